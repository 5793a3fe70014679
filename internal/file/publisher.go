package file

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Configuration struct {
	Enabled    bool   `yaml:"enabled"`
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

// Publisher appends decision events to a rotated JSONL file, one
// envelope line per event.
type Publisher struct {
	logger      *lumberjack.Logger
	topicPrefix string
}

func NewPublisher(config *Configuration, topicPrefix string) (*Publisher, error) {
	if !config.Enabled {
		log.Info("File publisher disabled via configuration")
		return &Publisher{}, nil
	}

	if config.Filename == "" {
		log.Warn("File publisher enabled but no filename provided, publisher disabled")
		return &Publisher{}, nil
	}

	maxSize := config.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}

	maxBackups := config.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 10
	}

	logger := &lumberjack.Logger{
		Filename:   config.Filename,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   config.Compress,
		LocalTime:  true,
	}

	log.Infof("file publisher initialized: %s (maxSize: %dMB, maxBackups: %d, compress: %t)",
		config.Filename, maxSize, maxBackups, config.Compress)

	return &Publisher{logger: logger, topicPrefix: topicPrefix}, nil
}

func (p *Publisher) Publish(topicSuffix, payload string) {
	if p.logger == nil {
		return
	}

	topic := fmt.Sprintf("%s/%s", p.topicPrefix, topicSuffix)

	timestamp := time.Now().Format(time.RFC3339)
	line := fmt.Sprintf(`{"timestamp":"%s","topic":"%s","event":%s}`+"\n", timestamp, topic, payload)

	if _, err := p.logger.Write([]byte(line)); err != nil {
		log.Errorf("failed to write to event file: %v", err)
	}
}

func (p *Publisher) Close() {
	if p.logger != nil {
		if err := p.logger.Close(); err != nil {
			log.Errorf("failed to close event file: %v", err)
		}
	}
}
