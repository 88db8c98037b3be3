package source

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"railpulse/internal/tracker"
)

const (
	// hdopMeters converts horizontal dilution of precision to an
	// accuracy radius.
	hdopMeters = 5.0
	knotsToKmh = 1.852
)

type ggaFix struct {
	clock   time.Duration
	lat     float64
	lng     float64
	hdop    float64
	quality int
}

type rmcFix struct {
	clock     time.Duration
	date      time.Time
	speedKmh  float64
	course    float64
	hasSpeed  bool
	hasCourse bool
}

// nmeaDecoder pairs GGA fixes with the RMC sentence of the same epoch.
// A GGA fix is held until its RMC arrives or the next GGA starts a new
// epoch.
type nmeaDecoder struct {
	now     func() time.Time
	lastRMC *rmcFix
	pending *ggaFix
}

func newNMEADecoder(now func() time.Time) *nmeaDecoder {
	return &nmeaDecoder{now: now}
}

// Feed decodes one sentence and returns any observations it completes.
func (d *nmeaDecoder) Feed(line string) ([]tracker.Observation, error) {
	parts, err := splitSentence(line)
	if err != nil {
		return nil, err
	}
	if len(parts[0]) < 5 {
		return nil, nil
	}

	switch parts[0][2:] {
	case "GGA":
		fix, ok := parseGGA(parts)
		var out []tracker.Observation
		if d.pending != nil {
			out = append(out, d.observation(*d.pending, nil))
			d.pending = nil
		}
		if !ok {
			return out, nil
		}
		if d.lastRMC != nil && d.lastRMC.clock == fix.clock {
			return append(out, d.observation(fix, d.lastRMC)), nil
		}
		d.pending = &fix
		return out, nil

	case "RMC":
		rmc, ok := parseRMC(parts)
		if !ok {
			return nil, nil
		}
		d.lastRMC = &rmc
		if d.pending != nil && d.pending.clock == rmc.clock {
			obs := d.observation(*d.pending, &rmc)
			d.pending = nil
			return []tracker.Observation{obs}, nil
		}
	}
	return nil, nil
}

// Flush returns a fix still waiting for its RMC sentence.
func (d *nmeaDecoder) Flush() []tracker.Observation {
	if d.pending == nil {
		return nil
	}
	obs := d.observation(*d.pending, nil)
	d.pending = nil
	return []tracker.Observation{obs}
}

func (d *nmeaDecoder) observation(fix ggaFix, rmc *rmcFix) tracker.Observation {
	obs := tracker.Observation{
		Latitude:       fix.lat,
		Longitude:      fix.lng,
		AccuracyMeters: fix.hdop * hdopMeters,
		Time:           d.fixTime(fix.clock),
	}
	if rmc != nil {
		if rmc.hasSpeed {
			v := rmc.speedKmh
			obs.SpeedKmh = &v
		}
		if rmc.hasCourse {
			v := rmc.course
			obs.HeadingDeg = &v
		}
	}
	return obs
}

// fixTime places a UTC time of day on the date of the latest RMC, or on
// today when none has been seen. Times far ahead of the clock belong to
// the previous day.
func (d *nmeaDecoder) fixTime(clock time.Duration) time.Time {
	now := d.now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if d.lastRMC != nil && !d.lastRMC.date.IsZero() {
		day = d.lastRMC.date
	}
	at := day.Add(clock)
	if d.lastRMC == nil && at.Sub(now) > 12*time.Hour {
		at = at.AddDate(0, 0, -1)
	}
	return at
}

// splitSentence verifies the checksum and returns the comma separated
// fields, the first being the talker and sentence type.
func splitSentence(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nil, fmt.Errorf("not an NMEA sentence: %q", line)
	}
	body := line[1:]
	if i := strings.LastIndexByte(body, '*'); i >= 0 {
		want, err := strconv.ParseUint(body[i+1:], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("bad checksum field in %q", line)
		}
		body = body[:i]
		var sum byte
		for j := 0; j < len(body); j++ {
			sum ^= body[j]
		}
		if uint64(sum) != want {
			return nil, fmt.Errorf("checksum mismatch in %q", line)
		}
	}
	return strings.Split(body, ","), nil
}

func parseGGA(parts []string) (ggaFix, bool) {
	if len(parts) < 10 {
		return ggaFix{}, false
	}
	var fix ggaFix
	var ok bool
	if fix.quality, _ = strconv.Atoi(parts[6]); fix.quality <= 0 {
		return fix, false
	}
	if fix.clock, ok = parseClock(parts[1]); !ok {
		return fix, false
	}
	if fix.lat, ok = parseCoordinate(parts[2], parts[3]); !ok {
		return fix, false
	}
	if fix.lng, ok = parseCoordinate(parts[4], parts[5]); !ok {
		return fix, false
	}
	hdop, err := strconv.ParseFloat(parts[8], 64)
	if err != nil || hdop <= 0 {
		return fix, false
	}
	fix.hdop = hdop
	return fix, true
}

func parseRMC(parts []string) (rmcFix, bool) {
	if len(parts) < 10 || parts[2] != "A" {
		return rmcFix{}, false
	}
	var fix rmcFix
	var ok bool
	if fix.clock, ok = parseClock(parts[1]); !ok {
		return fix, false
	}
	if knots, err := strconv.ParseFloat(parts[7], 64); err == nil {
		fix.speedKmh = knots * knotsToKmh
		fix.hasSpeed = true
	}
	if course, err := strconv.ParseFloat(parts[8], 64); err == nil {
		fix.course = course
		fix.hasCourse = true
	}
	if date, err := time.Parse("020106", parts[9]); err == nil {
		fix.date = date
	}
	return fix, true
}

// parseCoordinate converts NMEA (d)ddmm.mmmm plus hemisphere to degrees.
func parseCoordinate(value, hemi string) (float64, bool) {
	if value == "" || hemi == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	deg := math.Floor(v / 100)
	dec := deg + (v-deg*100)/60
	switch hemi {
	case "S", "W":
		dec = -dec
	case "N", "E":
	default:
		return 0, false
	}
	return dec, true
}

// parseClock reads hhmmss(.sss) as a duration since midnight.
func parseClock(s string) (time.Duration, bool) {
	if len(s) < 6 {
		return 0, false
	}
	h, err1 := strconv.Atoi(s[0:2])
	m, err2 := strconv.Atoi(s[2:4])
	sec, err3 := strconv.ParseFloat(s[4:], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(math.Round(sec*1000))*time.Millisecond, true
}
