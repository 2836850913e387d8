// Package sizing turns raw byte counts into uncompressed estimates and
// compute-capacity-aware chunk and partition counts.
package sizing

import (
	"math"
	"strings"

	"github.com/lakerail/lakerail/internal/relation"
)

const (
	gzipFactor  = 7
	bzip2Factor = 10

	maxPartitionsPerCore    = 2
	targetCompressionFactor = 3
	targetFileSize          = 256 << 20 // 256 MiB

	bytesPerCapacityUnit = 16 << 30 // 16 GiB
	defaultMemoryBytes   = 4 << 30  // 4 GiB, single-threaded executors
	usableMemoryPortion  = 0.25
)

// UncompressedEstimate estimates the uncompressed size of a source file from
// its filename suffix.
func UncompressedEstimate(f relation.FileRecord) uint64 {
	switch {
	case strings.HasSuffix(f.Key, ".gz"):
		return f.Size * gzipFactor
	case strings.HasSuffix(f.Key, ".bz2"):
		return f.Size * bzip2Factor
	default:
		return f.Size
	}
}

// TotalSize sums the raw sizes of all files. An empty list totals zero.
func TotalSize(files []relation.FileRecord) uint64 {
	var total uint64
	for _, f := range files {
		total += f.Size
	}
	return total
}

// TotalUncompressedEstimate sums the uncompressed estimates of all files.
func TotalUncompressedEstimate(files []relation.FileRecord) uint64 {
	var total uint64
	for _, f := range files {
		total += UncompressedEstimate(f)
	}
	return total
}

// PartitionTarget computes how many output partitions the executor should
// coalesce to, based on the estimated uncompressed input size and the
// capacity hint. Zero capacityUnits means unknown, treated as a single core.
func PartitionTarget(capacityUnits int, estimatedBytes uint64) int {
	cores := capacityUnits
	if cores < 1 {
		cores = 1
	}
	maxPartitions := cores * maxPartitionsPerCore

	count := int(math.Round(float64(estimatedBytes) / targetCompressionFactor / targetFileSize))
	if count < 1 {
		count = 1
	}
	if count > maxPartitions {
		count = maxPartitions
	}
	return count
}

// AvailableMemory returns the working-set budget for one transform
// invocation: a safety margin of the executor's memory.
func AvailableMemory(capacityUnits int) uint64 {
	if capacityUnits > 0 {
		return uint64(float64(capacityUnits) * bytesPerCapacityUnit * usableMemoryPortion)
	}
	return uint64(defaultMemoryBytes * usableMemoryPortion)
}

// ChunkFileCount bounds how many files enter one transform invocation so the
// batch's uncompressed working set stays within the memory budget. The result
// is never below one.
func ChunkFileCount(totalUncompressedBytes uint64, fileCount, capacityUnits int) int {
	divisor := totalUncompressedBytes / AvailableMemory(capacityUnits)
	if divisor < 1 {
		divisor = 1
	}
	count := fileCount / int(divisor)
	if count < 1 {
		count = 1
	}
	return count
}
