// Package pids loads OBD-II PID catalogs from INI files and ships a
// small built-in set of standard mode 01 parameters.
package pids

import (
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"github.com/dixtone/obd2"
)

// The functional broadcast address most mode 01 queries go out on
const DefaultHeader = 0x7DF

// Catalog is an ordered collection of request definitions
type Catalog struct {
	requests []*obd2.Request
}

// Load reads a catalog from an INI file on disk. Each section is one
// PID definition :
//
//	[EngineRPM]
//	Group=engine
//	Header=0x7DF
//	Service=0x01
//	Pid=0x0C
//	ExpectedBytes=2
//	Scale=0.25
//	Offset=0
//
// Integer keys accept hex (0x..) and decimal forms. Sections that fail
// to parse are skipped with a warning.
func Load(path string) (*Catalog, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog failed : %w", err)
	}
	return parse(file)
}

// LoadData reads a catalog from raw INI bytes
func LoadData(data []byte) (*Catalog, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("reading catalog failed : %w", err)
	}
	return parse(file)
}

func parse(file *ini.File) (*Catalog, error) {
	catalog := &Catalog{}
	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		request, err := parseSection(section)
		if err != nil {
			log.Warnf("[PIDS] skipping %v : %v", section.Name(), err)
			continue
		}
		catalog.requests = append(catalog.requests, request)
	}
	log.Debugf("[PIDS] loaded %v definitions", len(catalog.requests))
	return catalog, nil
}

func parseSection(section *ini.Section) (*obd2.Request, error) {
	header, err := parseUint(section, "Header", 32)
	if err != nil {
		return nil, err
	}
	service, err := parseUint(section, "Service", 8)
	if err != nil {
		return nil, err
	}
	pid, err := parseUint(section, "Pid", 16)
	if err != nil {
		return nil, err
	}
	expected, err := parseUint(section, "ExpectedBytes", 8)
	if err != nil {
		return nil, err
	}
	request := obd2.NewRequest(uint32(header), uint8(service), uint16(pid), uint8(expected))
	request.Name = section.Name()
	request.Group = section.Key("Group").String()
	request.Scale = float32(section.Key("Scale").MustFloat64(1))
	request.Offset = float32(section.Key("Offset").MustFloat64(0))
	return request, nil
}

// parseUint accepts 0x-prefixed hex as well as plain decimal, the way
// the values are written in vehicle documentation
func parseUint(section *ini.Section, name string, bits int) (uint64, error) {
	key := section.Key(name).String()
	if key == "" {
		return 0, fmt.Errorf("missing key %v", name)
	}
	value, err := strconv.ParseUint(key, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("bad value for %v : %w", name, err)
	}
	return value, nil
}

// Requests returns the definitions in file order
func (catalog *Catalog) Requests() []*obd2.Request {
	return catalog.requests
}

// Find returns the definition with the given name, or nil
func (catalog *Catalog) Find(name string) *obd2.Request {
	for _, request := range catalog.requests {
		if request.Name == name {
			return request
		}
	}
	return nil
}

func (catalog *Catalog) Len() int {
	return len(catalog.requests)
}

// Standard returns a built-in catalog with a common subset of the
// standard mode 01 parameters
func Standard() *Catalog {
	definitions := []struct {
		name          string
		pid           uint16
		expectedBytes uint8
		scale         float32
		offset        float32
	}{
		{"EngineLoad", 0x04, 1, 100.0 / 255.0, 0},
		{"CoolantTemperature", 0x05, 1, 1, -40},
		{"EngineRPM", 0x0C, 2, 0.25, 0},
		{"VehicleSpeed", 0x0D, 1, 1, 0},
		{"IntakeAirTemperature", 0x0F, 1, 1, -40},
		{"ThrottlePosition", 0x11, 1, 100.0 / 255.0, 0},
	}
	catalog := &Catalog{}
	for _, def := range definitions {
		request := obd2.NewRequest(DefaultHeader, 0x01, def.pid, def.expectedBytes)
		request.Group = "mode01"
		request.Name = def.name
		request.Scale = def.scale
		request.Offset = def.offset
		catalog.requests = append(catalog.requests, request)
	}
	return catalog
}
