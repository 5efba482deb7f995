package nand

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/gocarina/gocsv"
)

//go:embed geometries.csv
var chipGeometriesRawCSV string
var chipGeometries map[string]Geometry

// GetPredefinedGeometry returns the geometry of a known part. The returned
// value has ChipCount set to `chips`.
func GetPredefinedGeometry(slug string, chips uint32) (Geometry, error) {
	geometry, ok := chipGeometries[slug]
	if !ok {
		return Geometry{}, fmt.Errorf("no predefined NAND geometry exists with slug %q", slug)
	}
	geometry.ChipCount = chips
	return geometry, nil
}

// PredefinedGeometrySlugs lists the slugs of all known parts.
func PredefinedGeometrySlugs() []string {
	slugs := make([]string, 0, len(chipGeometries))
	for slug := range chipGeometries {
		slugs = append(slugs, slug)
	}
	return slugs
}

func init() {
	csvReader := csv.NewReader(strings.NewReader(chipGeometriesRawCSV))
	csvReader.Comma = '|'

	var rows []Geometry
	if err := gocsv.UnmarshalCSV(csvReader, &rows); err != nil {
		panic(fmt.Errorf("failed to decode NAND geometry table: %w", err))
	}

	chipGeometries = make(map[string]Geometry, len(rows))
	for i, row := range rows {
		if _, exists := chipGeometries[row.Slug]; exists {
			panic(
				fmt.Errorf("duplicate definition for part %q found on row %d", row.Slug, i+1))
		}
		chipGeometries[row.Slug] = row
	}
}
