package main

import (
	"context"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/leafscan/server"
	"github.com/cyclopcam/leafscan/server/config"
	"github.com/cyclopcam/leafscan/server/records"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("leafscan", "Plant leaf disease analysis service")
	configFilePath := parser.String("c", "config", &argparse.Options{Help: "Config file path (default leafscan.json, if it exists)", Default: ""})
	listen := parser.String("", "listen", &argparse.Options{Help: "HTTP listen address, eg :5000. Overrides the config file and environment.", Default: ""})
	importDiseases := parser.String("", "import-diseases", &argparse.Options{Help: "Load disease descriptions from a JSON file into the database, and exit", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	cfg, err := config.Load(*configFilePath)
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	if *importDiseases != "" {
		if err := runImport(cfg, *importDiseases); err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		return
	}

	s, err := server.NewServer(cfg)
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
	s.ListenForKillSignals()
	if err := s.ListenHTTP(cfg.Listen); err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}

func runImport(cfg *config.Config, filename string) error {
	log, err := logs.NewLog()
	if err != nil {
		return err
	}
	defer log.Close()

	diseases, err := records.LoadDiseaseFile(filename)
	if err != nil {
		return err
	}
	db, err := records.Open(log, cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.ImportDiseases(context.Background(), diseases)
	if err != nil {
		return err
	}
	log.Infof("Imported %v diseases from %v", n, filename)
	return nil
}
