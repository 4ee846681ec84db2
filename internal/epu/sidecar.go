package epu

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// sidecarDoc mirrors the fragment of the acquisition XML we care about. The
// files carry heavy namespacing; decoding by local element name keeps this
// robust across acquisition software versions.
type sidecarDoc struct {
	MicroscopeData struct {
		Optics struct {
			BeamShift struct {
				X string `xml:"_x"`
				Y string `xml:"_y"`
			} `xml:"BeamShift"`
		} `xml:"optics"`
	} `xml:"microscopeData"`
}

// ReadSidecar decodes the beam-shift values from a movie's XML sidecar and
// applies them to the row. A missing file leaves the row untouched and
// returns no error; a malformed file returns an error so the caller can log
// and skip.
func ReadSidecar(path string, movie *Movie) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read sidecar: %w", err)
	}

	var doc sidecarDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode sidecar %s: %w", path, err)
	}

	rawX := strings.TrimSpace(doc.MicroscopeData.Optics.BeamShift.X)
	rawY := strings.TrimSpace(doc.MicroscopeData.Optics.BeamShift.Y)
	if rawX == "" && rawY == "" {
		return nil
	}
	x, errX := strconv.ParseFloat(rawX, 64)
	y, errY := strconv.ParseFloat(rawY, 64)
	if errX != nil || errY != nil {
		return fmt.Errorf("decode sidecar %s: malformed beam shift", path)
	}
	movie.BeamShiftX = x
	movie.BeamShiftY = y
	movie.HasBeamShift = true
	return nil
}
