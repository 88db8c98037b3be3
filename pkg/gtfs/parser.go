package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RailRoute is a rail route from a GTFS feed with the names of the
// terminal stops of its first listed trip.
type RailRoute struct {
	ID        string
	ShortName string
	LongName  string
	FirstStop string
	LastStop  string
}

type Parser struct {
	logger *slog.Logger
}

func NewParser(logger *slog.Logger) *Parser {
	return &Parser{
		logger: logger.With("component", "gtfs_parser"),
	}
}

type stopTime struct {
	stopID   string
	sequence int
}

// ParseRail extracts rail routes (route_type 2 and the 100-117 extended
// railway range) from a GTFS archive.
func (p *Parser) ParseRail(reader *zip.Reader) ([]*RailRoute, error) {
	start := time.Now()
	p.logger.Info("starting GTFS rail parsing")

	fileMap := make(map[string]*zip.File)
	for _, file := range reader.File {
		fileMap[file.Name] = file
	}

	routesFile, ok := fileMap["routes.txt"]
	if !ok {
		return nil, fmt.Errorf("routes.txt missing from archive")
	}

	routes := make(map[string]*RailRoute)
	err := eachRecord(routesFile, func(rec record) {
		routeType, err := strconv.Atoi(rec.get("route_type"))
		if err != nil || !isRail(routeType) {
			return
		}
		id := rec.get("route_id")
		routes[id] = &RailRoute{
			ID:        id,
			ShortName: strings.TrimSpace(rec.get("route_short_name")),
			LongName:  strings.TrimSpace(rec.get("route_long_name")),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}

	// First trip per rail route.
	tripRoute := make(map[string]string)
	if file, ok := fileMap["trips.txt"]; ok {
		seen := make(map[string]struct{})
		err := eachRecord(file, func(rec record) {
			routeID := rec.get("route_id")
			if _, rail := routes[routeID]; !rail {
				return
			}
			if _, dup := seen[routeID]; dup {
				return
			}
			seen[routeID] = struct{}{}
			tripRoute[rec.get("trip_id")] = routeID
		})
		if err != nil {
			return nil, fmt.Errorf("parse trips: %w", err)
		}
	}

	tripStops := make(map[string][]stopTime)
	if file, ok := fileMap["stop_times.txt"]; ok && len(tripRoute) > 0 {
		err := eachRecord(file, func(rec record) {
			tripID := rec.get("trip_id")
			if _, ok := tripRoute[tripID]; !ok {
				return
			}
			seq, _ := strconv.Atoi(rec.get("stop_sequence"))
			tripStops[tripID] = append(tripStops[tripID], stopTime{stopID: rec.get("stop_id"), sequence: seq})
		})
		if err != nil {
			return nil, fmt.Errorf("parse stop_times: %w", err)
		}
	}

	stopNames := make(map[string]string)
	if file, ok := fileMap["stops.txt"]; ok && len(tripStops) > 0 {
		err := eachRecord(file, func(rec record) {
			stopNames[rec.get("stop_id")] = strings.TrimSpace(rec.get("stop_name"))
		})
		if err != nil {
			return nil, fmt.Errorf("parse stops: %w", err)
		}
	}

	for tripID, stops := range tripStops {
		sort.Slice(stops, func(i, j int) bool { return stops[i].sequence < stops[j].sequence })
		route := routes[tripRoute[tripID]]
		route.FirstStop = stopNames[stops[0].stopID]
		route.LastStop = stopNames[stops[len(stops)-1].stopID]
	}

	result := make([]*RailRoute, 0, len(routes))
	for _, r := range routes {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ShortName < result[j].ShortName })

	p.logger.Info("GTFS rail parsing completed",
		"routes", len(result),
		"trips_resolved", len(tripStops),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func isRail(routeType int) bool {
	return routeType == 2 || (routeType >= 100 && routeType <= 117)
}

type record struct {
	fields []string
	idx    map[string]int
}

func (r record) get(field string) string {
	if i, ok := r.idx[field]; ok && i < len(r.fields) {
		return r.fields[i]
	}
	return ""
}

func eachRecord(file *zip.File, fn func(record)) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return err
	}
	idx := makeIndex(header)

	for {
		fields, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fn(record{fields: fields, idx: idx})
	}
}

func makeIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimPrefix(strings.TrimSpace(name), "\ufeff")] = i
	}
	return idx
}
