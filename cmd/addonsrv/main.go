package main

import (
	"flag"

	"github.com/n-r-w/addonsrv/internal/app"
	"github.com/n-r-w/addonsrv/internal/config"
	"github.com/n-r-w/lg"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config-path", "", "path to config file")
	flag.Parse()

	log := lg.New()

	cfg, err := config.New(configPath, log)
	if err != nil {
		log.Fatal("read config error: %v", err)
		return
	}

	app.Start(configPath, cfg, log)
}
