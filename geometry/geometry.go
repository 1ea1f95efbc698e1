// Package geometry holds Microsoft's documented FAT32 cluster-size-by-
// volume-size recommendations. It is consulted, advisory-only, at mount
// time to flag a volume whose on-disk cluster size deviates from the
// documented table; it never changes the geometry the boot sector already
// encodes, and it is not a formatting tool.
package geometry

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/gocarina/gocsv"
)

// ClusterProfile is one row of the recommendation table.
type ClusterProfile struct {
	MinVolumeBytes  uint64 `csv:"min_volume_bytes"`
	MaxVolumeBytes  uint64 `csv:"max_volume_bytes"`
	ClusterSizeBytes uint32 `csv:"cluster_size_bytes"`
	Label           string `csv:"label"`
}

//go:embed cluster_profiles.csv
var rawClusterProfilesCSV string

var clusterProfiles []ClusterProfile

func init() {
	reader := strings.NewReader(rawClusterProfilesCSV)
	if err := gocsv.Unmarshal(reader, &clusterProfiles); err != nil {
		panic(fmt.Sprintf("geometry: malformed embedded cluster profile table: %s", err))
	}
}

// Recommend returns the documented cluster size for a volume of the given
// size, and true if a matching row was found.
func Recommend(volumeBytes uint64) (ClusterProfile, bool) {
	for _, profile := range clusterProfiles {
		if volumeBytes >= profile.MinVolumeBytes && volumeBytes <= profile.MaxVolumeBytes {
			return profile, true
		}
	}
	return ClusterProfile{}, false
}

// Describe reports whether actualClusterSize matches the documented
// recommendation for a volume of size volumeBytes. It never fails the
// mount; it only produces a message a caller may choose to log.
func Describe(volumeBytes uint64, actualClusterSize uint32) string {
	profile, found := Recommend(volumeBytes)
	if !found {
		return fmt.Sprintf(
			"volume size %d bytes has no documented cluster-size recommendation",
			volumeBytes,
		)
	}
	if profile.ClusterSizeBytes == actualClusterSize {
		return fmt.Sprintf(
			"cluster size %d bytes matches the documented recommendation for %s",
			actualClusterSize, profile.Label,
		)
	}
	return fmt.Sprintf(
		"cluster size %d bytes deviates from the documented recommendation of %d bytes for %s",
		actualClusterSize, profile.ClusterSizeBytes, profile.Label,
	)
}
