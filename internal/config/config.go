package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DatabasePath     string `env:"DATABASE_PATH"     envDefault:"lemmit.sqlite"`
	LemmyBaseURL     string `env:"LEMMY_BASE_URI,required,notEmpty"`
	LemmyUsername    string `env:"LEMMY_USERNAME,required,notEmpty"`
	LemmyPassword    string `env:"LEMMY_PASSWORD,required,notEmpty"`
	RequestCommunity string `env:"REQUEST_COMMUNITY"`
	LogLevel         string `env:"LOGLEVEL"          envDefault:"info"`
	StatsBatchSize   int    `env:"STATS_BATCH_SIZE"  envDefault:"10"`
	StatsPageSize    int    `env:"STATS_PAGE_SIZE"   envDefault:"100"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
