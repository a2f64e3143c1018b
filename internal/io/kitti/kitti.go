// Package kitti reads KITTI odometry data: velodyne .bin point frames
// (x, y, z, intensity as little-endian float32) and pose files with
// one row-major 3x4 transform per line. A Dataset iterates the
// (cloud, pose) pairs of a sequence directory.
package kitti

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

// ReadBin loads one velodyne frame. The file is a flat sequence of
// float32 quadruples; a size not divisible by 16 bytes is rejected.
func ReadBin(path string) (*cloud.PointCloud, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw)%16 != 0 {
		return nil, fmt.Errorf("kitti: %s length %d not a multiple of 16: %w", path, len(raw), cloud.ErrInvalidInput)
	}

	n := len(raw) / 16
	c := cloud.New(n)
	var intensitySum float64
	for i := 0; i < n; i++ {
		base := i * 16
		x := float32FromLE(raw[base:])
		y := float32FromLE(raw[base+4:])
		z := float32FromLE(raw[base+8:])
		intensitySum += float64(float32FromLE(raw[base+12:]))
		c.Append(cloud.Point{X: float64(x), Y: float64(y), Z: float64(z)})
	}
	if n > 0 {
		c.Intensity = intensitySum / float64(n)
	}
	return c, nil
}

func float32FromLE(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// ReadPoses parses a KITTI pose file: 12 floats per line forming the
// top three rows of a homogeneous transform.
func ReadPoses(path string) ([]cloud.Transform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var poses []cloud.Transform
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 12 {
			return nil, fmt.Errorf("kitti: pose line %d has %d fields, want 12: %w", lineNo, len(fields), cloud.ErrInvalidInput)
		}
		pose := cloud.Identity()
		for i, field := range fields {
			v, perr := strconv.ParseFloat(field, 64)
			if perr != nil {
				return nil, fmt.Errorf("kitti: pose line %d field %d: %w", lineNo, i, cloud.ErrInvalidInput)
			}
			pose[i] = v
		}
		poses = append(poses, pose)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return poses, nil
}

// Frame is one step of a sequence: the cloud and its ground-truth
// pose (identity when the sequence has no pose file).
type Frame struct {
	Index int
	Cloud *cloud.PointCloud
	Pose  cloud.Transform
}

// Dataset iterates the frames of a KITTI sequence directory laid out
// as velodyne/*.bin plus an optional poses.txt.
type Dataset struct {
	binPaths []string
	poses    []cloud.Transform
	next     int
}

// OpenDataset scans the sequence directory.
func OpenDataset(dir string) (*Dataset, error) {
	binPaths, err := filepath.Glob(filepath.Join(dir, "velodyne", "*.bin"))
	if err != nil {
		return nil, err
	}
	if len(binPaths) == 0 {
		return nil, fmt.Errorf("kitti: no velodyne frames under %s: %w", dir, cloud.ErrInvalidInput)
	}
	sort.Strings(binPaths)

	d := &Dataset{binPaths: binPaths}
	posePath := filepath.Join(dir, "poses.txt")
	if _, statErr := os.Stat(posePath); statErr == nil {
		poses, perr := ReadPoses(posePath)
		if perr != nil {
			return nil, perr
		}
		if len(poses) < len(binPaths) {
			return nil, fmt.Errorf("kitti: %d poses for %d frames: %w", len(poses), len(binPaths), cloud.ErrInvalidInput)
		}
		d.poses = poses
	}
	return d, nil
}

// Len returns the number of frames.
func (d *Dataset) Len() int { return len(d.binPaths) }

// Next loads the next frame, or ok=false past the end.
func (d *Dataset) Next() (Frame, bool, error) {
	if d.next >= len(d.binPaths) {
		return Frame{}, false, nil
	}
	idx := d.next
	d.next++

	c, err := ReadBin(d.binPaths[idx])
	if err != nil {
		return Frame{}, false, err
	}
	pose := cloud.Identity()
	if d.poses != nil {
		pose = d.poses[idx]
	}
	return Frame{Index: idx, Cloud: c, Pose: pose}, true, nil
}

// Reset rewinds the iterator.
func (d *Dataset) Reset() { d.next = 0 }
