package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"github.com/dixtone/obd2"
	"github.com/dixtone/obd2/pkg/can"
	_ "github.com/dixtone/obd2/pkg/can/socketcan"
	_ "github.com/dixtone/obd2/pkg/can/virtual"
	gateway "github.com/dixtone/obd2/pkg/gateway/http"
	"github.com/dixtone/obd2/pkg/pids"
	"github.com/dixtone/obd2/pkg/serialport"
)

const defaultConfig = "obd2scan.ini"

type config struct {
	mode          string // "can" or "elm"
	canInterface  string
	canChannel    string
	canBitrate    int
	elmDevice     string
	elmBaud       int
	catalogPath   string
	gatewayListen string
	packetFilters []uint32
	bcastFilters  []uint32
}

func loadConfig(path string) (*config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	cfg := &config{
		mode:          file.Section("transport").Key("mode").MustString("can"),
		canInterface:  file.Section("can").Key("interface").MustString("socketcan"),
		canChannel:    file.Section("can").Key("channel").MustString("can0"),
		canBitrate:    file.Section("can").Key("bitrate").MustInt(500_000),
		elmDevice:     file.Section("elm").Key("device").MustString("/dev/ttyUSB0"),
		elmBaud:       file.Section("elm").Key("baud").MustInt(38400),
		catalogPath:   file.Section("catalog").Key("path").String(),
		gatewayListen: file.Section("gateway").Key("listen").String(),
	}
	cfg.packetFilters, err = parseIds(file.Section("filters").Key("packet").Strings(","))
	if err != nil {
		return nil, err
	}
	cfg.bcastFilters, err = parseIds(file.Section("filters").Key("broadcast").Strings(","))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseIds accepts hex (0x..) and decimal arbitration IDs
func parseIds(values []string) ([]uint32, error) {
	var ids []uint32
	for _, value := range values {
		id, err := strconv.ParseUint(strings.TrimSpace(value), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("bad filter id %v : %w", value, err)
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

func main() {
	configPath := flag.String("c", defaultConfig, "path to configuration file")
	debug := flag.Bool("d", false, "enable debug logging")
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("reading configuration failed : %v", err)
	}

	var client *obd2.Client
	switch cfg.mode {
	case "can":
		bus, err := can.NewBus(cfg.canInterface, cfg.canChannel, cfg.canBitrate)
		if err != nil {
			log.Fatalf("creating CAN bus failed : %v", err)
		}
		client = obd2.NewClient(bus)
		if err := client.Connect(); err != nil {
			log.Fatalf("connecting to CAN bus failed : %v", err)
		}
	case "elm":
		port, err := serialport.Open(cfg.elmDevice, cfg.elmBaud)
		if err != nil {
			log.Fatalf("opening serial device failed : %v", err)
		}
		defer port.Close()
		client = obd2.NewClient(nil)
		if err := client.BeginElm327(port, time.Second); err != nil {
			log.Fatalf("initializing ELM327 adapter failed : %v", err)
		}
	default:
		log.Fatalf("unsupported transport mode : %v", cfg.mode)
	}

	for _, id := range cfg.packetFilters {
		client.AddPacketFilter(id)
	}
	for _, id := range cfg.bcastFilters {
		client.AddBroadcastFilter(id)
	}

	catalog := pids.Standard()
	if cfg.catalogPath != "" {
		catalog, err = pids.Load(cfg.catalogPath)
		if err != nil {
			log.Fatalf("loading catalog failed : %v", err)
		}
	}
	if catalog.Len() == 0 {
		log.Fatal("catalog holds no PID definitions")
	}

	client.OnHandleValueFunc(func(request *obd2.Request, value float32, data []byte) {
		fmt.Printf("%-24v %10.2f  % x\n", request.Name, value, data)
	})

	if cfg.gatewayListen != "" {
		server := gateway.NewGatewayServer(client)
		go func() {
			if err := server.ListenAndServe(cfg.gatewayListen); err != nil {
				log.Errorf("gateway stopped : %v", err)
			}
		}()
	}

	// Cycle the catalog, one request in flight at a time
	for {
		for _, request := range catalog.Requests() {
			if !client.SendRequest(request) {
				continue
			}
			for client.Process() != obd2.StatusReady {
				time.Sleep(time.Millisecond)
			}
		}
	}
}
