package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/mjoconr/GoodweAplhaAmberControl/internal/alphaess"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/amber"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/config"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/control"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/file"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/goodwe"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/mqtt"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/remotewrite"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/sns"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/solace"
)

// Sentinel errors main maps to distinct exit codes.
var (
	ErrAmberCredentials = errors.New("amber siteId and apiKey are required")
	ErrBusConnect       = errors.New("failed to connect to inverter")
	ErrAlphaInit        = errors.New("failed to initialize alphaess client")
)

// Application wires the pollers, the control loop, the publisher and
// the HTTP API together.
type Application struct {
	config *config.Config
	router *gin.Engine

	publisher   control.EventPublisher
	busClient   *goodwe.Client
	amberPoller *amber.Poller
	alphaPoller *alphaess.Poller
	loop        *control.Loop
}

// NewApplication builds and connects everything. It fails fast on
// missing credentials, an unreachable inverter, or a broken battery
// API so startup problems surface before the loop runs.
func NewApplication(cfg *config.Config) (*Application, error) {
	app := &Application{config: cfg}

	if !cfg.AmberConfigured() {
		return nil, ErrAmberCredentials
	}

	publisher, err := buildPublisher(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}
	app.publisher = publisher

	ec := &cfg.ExportControl

	busMetrics := goodwe.NewBusMetrics()
	app.busClient = goodwe.NewClient(ec.Goodwe, busMetrics)
	if err := app.busClient.Connect(); err != nil {
		publisher.Close()
		return nil, fmt.Errorf("%w: %s", ErrBusConnect, err)
	}
	log.Infof("connected to inverter %s", ec.Goodwe.Host)

	limiter := instrumentedLimiter{
		limiter: goodwe.NewLimiter(app.busClient, ec.Goodwe),
		metrics: busMetrics,
	}
	runtimeReader := instrumentedRuntime{
		reader:  goodwe.NewRuntimeReader(app.busClient, ec.Goodwe.RuntimeProfile),
		metrics: busMetrics,
	}

	amberClient := amber.NewClient(ec.Amber)
	app.amberPoller = amber.NewPoller(ec.Amber, amberClient, amber.NewPriceMetrics())

	var battery control.BatterySource
	if ec.AlphaESS.Enabled() {
		alphaClient := alphaess.NewClient(ec.AlphaESS)
		app.alphaPoller = alphaess.NewPoller(ec.AlphaESS, alphaClient, alphaess.NewBatteryMetrics())
		if err := app.alphaPoller.Init(); err != nil {
			publisher.Close()
			app.busClient.Close()
			return nil, fmt.Errorf("%w: %s", ErrAlphaInit, err)
		}
		battery = app.alphaPoller
	} else {
		log.Warn("alphaess credentials not set, battery source disabled")
	}

	app.loop = control.NewLoop(ec.Control, app.amberPoller, battery,
		runtimeReader, limiter, publisher, control.NewLoopMetrics())

	if ec.HTTPPort > 0 {
		app.router = gin.Default()
		if err := app.router.SetTrustedProxies(nil); err != nil {
			log.Warnf("failed to set trusted proxies: %v", err)
		}
		app.setupRoutes()
	}

	return app, nil
}

func buildPublisher(cfg *config.Config) (control.EventPublisher, error) {
	ec := &cfg.ExportControl

	switch {
	case ec.Mqtt.Enabled:
		return mqtt.NewPublisher(&ec.Mqtt, ec.TopicPrefix)
	case ec.Solace.Enabled:
		return solace.NewPublisher(&ec.Solace, ec.TopicPrefix)
	case ec.File.Enabled:
		return file.NewPublisher(&ec.File, ec.TopicPrefix)
	case ec.Sns.Enabled:
		return sns.NewPublisher(&ec.Sns, ec.TopicPrefix)
	case ec.RemoteWrite.Enabled:
		return remotewrite.NewPublisher(&ec.RemoteWrite, ec.TopicPrefix)
	}

	log.Info("no publisher enabled, decision events stay local")
	return noopPublisher{}, nil
}

func (a *Application) setupRoutes() {
	handler := promhttp.Handler()
	a.router.GET("/metrics", func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	})

	a.router.GET("/api/control/event", a.eventGet())
	a.router.GET("/api/control/status", a.statusGet())
}

func (a *Application) eventGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		event, ok := a.loop.LastEvent()
		if !ok {
			c.JSON(http.StatusNoContent, gin.H{})
			return
		}
		c.JSON(http.StatusOK, event)
	}
}

func (a *Application) statusGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		event, ok := a.loop.LastEvent()
		if !ok {
			c.JSON(http.StatusNoContent, gin.H{})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ts":           event.Timestamp,
			"amber_state":  event.Sources.Amber.State,
			"alpha_ok":     event.Sources.Alpha.Ok,
			"profile":      event.Sources.Goodwe.Profile,
			"export_costs": event.Decision.ExportCosts,
			"reason":       event.Decision.Reason,
			"target_w":     event.Decision.TargetW,
			"want_pct":     event.Decision.WantPct,
			"enabled":      event.Decision.Enabled,
		})
	}
}

// Start launches the pollers, the control loop and, when configured,
// the HTTP server.
func (a *Application) Start() {
	a.amberPoller.Start()
	if a.alphaPoller != nil {
		if err := a.alphaPoller.Start(); err != nil {
			log.Errorf("failed to start alphaess poller: %v", err)
		}
	}
	a.loop.Start()

	if a.router != nil {
		port := a.config.ExportControl.HTTPPort
		go func() {
			log.Infof("starting server on port %v", port)
			if err := a.router.Run(fmt.Sprintf(":%v", port)); err != nil {
				log.Errorf("http server stopped: %v", err)
			}
		}()
	}
}

// Close stops the loop before the sources so the last tick still sees
// live snapshots, then releases the bus and the publisher.
func (a *Application) Close() {
	log.Info("shutting down")

	a.loop.Stop()
	if a.alphaPoller != nil {
		a.alphaPoller.Stop()
	}
	a.amberPoller.Stop()
	a.busClient.Close()
	a.publisher.Close()
}

// Router returns the Gin router instance for testing purposes.
func (a *Application) Router() *gin.Engine {
	return a.router
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, string) {}
func (noopPublisher) Close()                 {}

// instrumentedRuntime updates the bus gauges on every runtime read.
type instrumentedRuntime struct {
	reader  *goodwe.RuntimeReader
	metrics *goodwe.BusMetrics
}

func (r instrumentedRuntime) Read() goodwe.RuntimeSnapshot {
	snap := r.reader.Read()
	r.metrics.SetRuntime(snap)
	return snap
}

// instrumentedLimiter updates the limit gauges on every readback.
type instrumentedLimiter struct {
	limiter *goodwe.Limiter
	metrics *goodwe.BusMetrics
}

func (l instrumentedLimiter) ReadCurrent() (goodwe.LimiterState, error) {
	state, err := l.limiter.ReadCurrent()
	if err == nil {
		l.metrics.SetLimiter(state)
	}
	return state, err
}

func (l instrumentedLimiter) SetLimit(enabled bool, pct int) error {
	return l.limiter.SetLimit(enabled, pct)
}
