package detector_test

import (
	"strconv"

	"github.com/tripwire/sentinel/internal/config"
)

func fmtLatLng(lat, lng float64) string {
	return strconv.FormatFloat(lat, 'f', 6, 64) + "," + strconv.FormatFloat(lng, 'f', 6, 64)
}

func configDetectors() config.DetectorsConfig {
	return config.Default().Detectors
}
