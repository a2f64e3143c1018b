// Package pcd reads and writes PCD v0.7 point cloud files, ASCII and
// binary DATA variants. Fields x/y/z are required; normal_x/normal_y/
// normal_z are carried when present. rgb and any other field is
// skipped on read and never written. binary_compressed is detected and
// rejected.
package pcd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/banshee-data/cloudalign/internal/cloud"
)

type dataKind int

const (
	dataASCII dataKind = iota
	dataBinary
	dataBinaryCompressed
)

type header struct {
	fields []string
	sizes  []int
	types  []string
	counts []int
	width  int
	height int
	points int
	data   dataKind
}

// Read loads a PCD file.
func Read(path string) (*cloud.PointCloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readFrom(f)
}

func readFrom(r io.Reader) (*cloud.PointCloud, error) {
	br := bufio.NewReader(r)
	h, err := parseHeader(br)
	if err != nil {
		return nil, err
	}
	if err := h.validate(); err != nil {
		return nil, err
	}

	switch h.data {
	case dataASCII:
		return readASCII(br, h)
	case dataBinary:
		return readBinary(br, h)
	default:
		return nil, fmt.Errorf("pcd: binary_compressed is not supported: %w", cloud.ErrInvalidInput)
	}
}

func parseHeader(br *bufio.Reader) (*header, error) {
	h := &header{width: -1, height: -1, points: -1}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("pcd: truncated header: %w", cloud.ErrInvalidInput)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		keyword, rest := parts[0], parts[1:]
		switch keyword {
		case "VERSION":
			// Accepted but not interpreted.
		case "FIELDS":
			h.fields = rest
		case "SIZE":
			h.sizes = atoiAll(rest)
		case "TYPE":
			h.types = rest
		case "COUNT":
			h.counts = atoiAll(rest)
		case "WIDTH":
			h.width = atoiOne(rest)
		case "HEIGHT":
			h.height = atoiOne(rest)
		case "VIEWPOINT":
			// Accepted but not interpreted.
		case "POINTS":
			h.points = atoiOne(rest)
		case "DATA":
			if len(rest) != 1 {
				return nil, fmt.Errorf("pcd: malformed DATA line: %w", cloud.ErrInvalidInput)
			}
			switch rest[0] {
			case "ascii":
				h.data = dataASCII
			case "binary":
				h.data = dataBinary
			case "binary_compressed":
				h.data = dataBinaryCompressed
			default:
				return nil, fmt.Errorf("pcd: unknown DATA kind %q: %w", rest[0], cloud.ErrInvalidInput)
			}
			return h, nil // DATA is the last header line
		default:
			return nil, fmt.Errorf("pcd: unknown header keyword %q: %w", keyword, cloud.ErrInvalidInput)
		}
	}
}

func atoiAll(fields []string) []int {
	out := make([]int, len(fields))
	for i, f := range fields {
		out[i], _ = strconv.Atoi(f)
	}
	return out
}

func atoiOne(fields []string) int {
	if len(fields) != 1 {
		return -1
	}
	v, err := strconv.Atoi(fields[0])
	if err != nil {
		return -1
	}
	return v
}

func (h *header) validate() error {
	if len(h.fields) == 0 {
		return fmt.Errorf("pcd: header missing FIELDS: %w", cloud.ErrInvalidInput)
	}
	if len(h.sizes) != len(h.fields) || len(h.types) != len(h.fields) || len(h.counts) != len(h.fields) {
		return fmt.Errorf("pcd: FIELDS/SIZE/TYPE/COUNT mismatch: %w", cloud.ErrInvalidInput)
	}
	if h.width < 0 || h.height < 0 || h.points < 0 {
		return fmt.Errorf("pcd: header missing WIDTH/HEIGHT/POINTS: %w", cloud.ErrInvalidInput)
	}
	if h.points != h.width*h.height {
		return fmt.Errorf("pcd: POINTS != WIDTH*HEIGHT: %w", cloud.ErrInvalidInput)
	}
	for i := range h.fields {
		if h.counts[i] <= 0 {
			return fmt.Errorf("pcd: COUNT must be positive for field %s: %w", h.fields[i], cloud.ErrInvalidInput)
		}
		if !validSizeType(h.types[i], h.sizes[i]) {
			return fmt.Errorf("pcd: invalid SIZE/TYPE for field %s (TYPE=%s SIZE=%d): %w",
				h.fields[i], h.types[i], h.sizes[i], cloud.ErrInvalidInput)
		}
	}
	if h.fieldIndex("x") < 0 || h.fieldIndex("y") < 0 || h.fieldIndex("z") < 0 {
		return fmt.Errorf("pcd: fields x, y, z are required: %w", cloud.ErrInvalidInput)
	}
	return nil
}

func validSizeType(typ string, size int) bool {
	switch typ {
	case "F":
		return size == 4 || size == 8
	case "I", "U":
		return size == 1 || size == 2 || size == 4 || size == 8
	default:
		return false
	}
}

func (h *header) fieldIndex(name string) int {
	for i, f := range h.fields {
		if f == name {
			return i
		}
	}
	return -1
}

func (h *header) hasNormals() bool {
	return h.fieldIndex("normal_x") >= 0 && h.fieldIndex("normal_y") >= 0 && h.fieldIndex("normal_z") >= 0
}

func readASCII(br *bufio.Reader, h *header) (*cloud.PointCloud, error) {
	c := cloud.New(h.points)
	xi, yi, zi := h.fieldIndex("x"), h.fieldIndex("y"), h.fieldIndex("z")
	normals := h.hasNormals()
	nxi, nyi, nzi := h.fieldIndex("normal_x"), h.fieldIndex("normal_y"), h.fieldIndex("normal_z")

	// Column offsets account for per-field COUNT.
	offsets := make([]int, len(h.fields))
	total := 0
	for i := range h.fields {
		offsets[i] = total
		total += h.counts[i]
	}

	for read := 0; read < h.points; {
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("pcd: ascii data truncated at point %d: %w", read, cloud.ErrInvalidInput)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		vals := strings.Fields(line)
		if len(vals) != total {
			return nil, fmt.Errorf("pcd: point %d has %d values, want %d: %w", read, len(vals), total, cloud.ErrInvalidInput)
		}
		p, perr := parsePoint(vals, offsets[xi], offsets[yi], offsets[zi])
		if perr != nil {
			return nil, perr
		}
		c.Append(p)
		if normals {
			n, nerr := parsePoint(vals, offsets[nxi], offsets[nyi], offsets[nzi])
			if nerr != nil {
				return nil, nerr
			}
			c.Normals = append(c.Normals, n)
		}
		read++
	}
	return c, nil
}

func parsePoint(vals []string, xi, yi, zi int) (cloud.Point, error) {
	x, err1 := strconv.ParseFloat(vals[xi], 64)
	y, err2 := strconv.ParseFloat(vals[yi], 64)
	z, err3 := strconv.ParseFloat(vals[zi], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return cloud.Point{}, fmt.Errorf("pcd: malformed coordinate: %w", cloud.ErrInvalidInput)
	}
	return cloud.Point{X: x, Y: y, Z: z}, nil
}

func readBinary(br *bufio.Reader, h *header) (*cloud.PointCloud, error) {
	stride := 0
	fieldOffset := make([]int, len(h.fields))
	for i := range h.fields {
		fieldOffset[i] = stride
		stride += h.sizes[i] * h.counts[i]
	}

	payload := make([]byte, stride*h.points)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, fmt.Errorf("pcd: binary payload short (want %d bytes): %w", len(payload), cloud.ErrInvalidInput)
	}

	c := cloud.New(h.points)
	xi, yi, zi := h.fieldIndex("x"), h.fieldIndex("y"), h.fieldIndex("z")
	normals := h.hasNormals()
	nxi, nyi, nzi := h.fieldIndex("normal_x"), h.fieldIndex("normal_y"), h.fieldIndex("normal_z")

	for i := 0; i < h.points; i++ {
		base := i * stride
		c.Append(cloud.Point{
			X: readScalar(payload[base+fieldOffset[xi]:], h.types[xi], h.sizes[xi]),
			Y: readScalar(payload[base+fieldOffset[yi]:], h.types[yi], h.sizes[yi]),
			Z: readScalar(payload[base+fieldOffset[zi]:], h.types[zi], h.sizes[zi]),
		})
		if normals {
			c.Normals = append(c.Normals, cloud.Point{
				X: readScalar(payload[base+fieldOffset[nxi]:], h.types[nxi], h.sizes[nxi]),
				Y: readScalar(payload[base+fieldOffset[nyi]:], h.types[nyi], h.sizes[nyi]),
				Z: readScalar(payload[base+fieldOffset[nzi]:], h.types[nzi], h.sizes[nzi]),
			})
		}
	}
	return c, nil
}

func readScalar(b []byte, typ string, size int) float64 {
	switch {
	case typ == "F" && size == 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case typ == "F" && size == 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case typ == "U" && size == 1:
		return float64(b[0])
	case typ == "U" && size == 2:
		return float64(binary.LittleEndian.Uint16(b))
	case typ == "U" && size == 4:
		return float64(binary.LittleEndian.Uint32(b))
	case typ == "I" && size == 1:
		return float64(int8(b[0]))
	case typ == "I" && size == 2:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case typ == "I" && size == 4:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	default:
		return 0
	}
}

// Write stores a cloud as a PCD file. Normals are emitted when the
// cloud carries them. binary selects binary DATA; otherwise ascii.
func Write(path string, c *cloud.PointCloud, binaryData bool) error {
	if err := c.Validate(false); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeTo(f, c, binaryData)
}

func writeTo(w io.Writer, c *cloud.PointCloud, binaryData bool) error {
	bw := bufio.NewWriter(w)
	normals := c.HasNormals()

	fields := "x y z"
	sizes := "4 4 4"
	types := "F F F"
	counts := "1 1 1"
	if normals {
		fields = "x y z normal_x normal_y normal_z"
		sizes = "4 4 4 4 4 4"
		types = "F F F F F F"
		counts = "1 1 1 1 1 1"
	}
	data := "ascii"
	if binaryData {
		data = "binary"
	}

	fmt.Fprintf(bw, "# .PCD v0.7 - Point Cloud Data file format\n")
	fmt.Fprintf(bw, "VERSION 0.7\n")
	fmt.Fprintf(bw, "FIELDS %s\n", fields)
	fmt.Fprintf(bw, "SIZE %s\n", sizes)
	fmt.Fprintf(bw, "TYPE %s\n", types)
	fmt.Fprintf(bw, "COUNT %s\n", counts)
	fmt.Fprintf(bw, "WIDTH %d\n", c.Size())
	fmt.Fprintf(bw, "HEIGHT 1\n")
	fmt.Fprintf(bw, "VIEWPOINT 0 0 0 1 0 0 0\n")
	fmt.Fprintf(bw, "POINTS %d\n", c.Size())
	fmt.Fprintf(bw, "DATA %s\n", data)

	if binaryData {
		buf := make([]byte, 4)
		writeF32 := func(v float64) {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
			bw.Write(buf)
		}
		for i, p := range c.Points {
			writeF32(p.X)
			writeF32(p.Y)
			writeF32(p.Z)
			if normals {
				n := c.Normals[i]
				writeF32(n.X)
				writeF32(n.Y)
				writeF32(n.Z)
			}
		}
	} else {
		for i, p := range c.Points {
			if normals {
				n := c.Normals[i]
				fmt.Fprintf(bw, "%g %g %g %g %g %g\n", p.X, p.Y, p.Z, n.X, n.Y, n.Z)
			} else {
				fmt.Fprintf(bw, "%g %g %g\n", p.X, p.Y, p.Z)
			}
		}
	}
	return bw.Flush()
}
