package gridmap

import (
	"encoding/xml"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/agrinav/agslam/feature"
	"github.com/agrinav/agslam/spatialmath"
)

// The on-disk format is one element per non-empty cell with child elements
// per feature kind. Reload re-indexes features into cells by position, so
// only float round-trip fidelity matters, not cell attributes.

type xmlMap struct {
	XMLName    xml.Name  `xml:"map"`
	OriginX    float64   `xml:"origin_x,attr"`
	OriginY    float64   `xml:"origin_y,attr"`
	OriginZ    float64   `xml:"origin_z,attr"`
	Width      float64   `xml:"width,attr"`
	Length     float64   `xml:"length,attr"`
	Height     float64   `xml:"height,attr"`
	Resolution float64   `xml:"resolution,attr"`
	Cells      []xmlCell `xml:"cell"`
}

type xmlCell struct {
	I         int           `xml:"i,attr"`
	J         int           `xml:"j,attr"`
	K         int           `xml:"k,attr"`
	Elevation *float64      `xml:"elevation,omitempty"`
	Semantics []xmlSemantic `xml:"semantic"`
	Images    []xmlImage    `xml:"image"`
	Corners   []xmlCorner   `xml:"corner"`
	Planars   []xmlPlanar   `xml:"planar"`
}

type xmlSemantic struct {
	ID     int     `xml:"id,attr"`
	X      float64 `xml:"x,attr"`
	Y      float64 `xml:"y,attr"`
	Z      float64 `xml:"z,attr"`
	StdevX float64 `xml:"std_x,attr"`
	StdevY float64 `xml:"std_y,attr"`
	Theta  float64 `xml:"theta,attr"`
	Label  int     `xml:"label,attr"`
}

type xmlImage struct {
	ID         int     `xml:"id,attr"`
	X          float64 `xml:"x,attr"`
	Y          float64 `xml:"y,attr"`
	Z          float64 `xml:"z,attr"`
	U          int     `xml:"u,attr"`
	V          int     `xml:"v,attr"`
	R          uint8   `xml:"r,attr"`
	G          uint8   `xml:"g,attr"`
	B          uint8   `xml:"b,attr"`
	Laplacian  int     `xml:"laplacian,attr"`
	NObs       int     `xml:"n_obs,attr"`
	Descriptor string  `xml:"descriptor,attr"`
}

type xmlCorner struct {
	ID         int     `xml:"id,attr"`
	X          float64 `xml:"x,attr"`
	Y          float64 `xml:"y,attr"`
	Z          float64 `xml:"z,attr"`
	WhichPlane int     `xml:"which_plane,attr"`
	NObs       int     `xml:"n_obs,attr"`
}

type xmlPlanar struct {
	ID         int     `xml:"id,attr"`
	X          float64 `xml:"x,attr"`
	Y          float64 `xml:"y,attr"`
	Z          float64 `xml:"z,attr"`
	WhichPlane int     `xml:"which_plane,attr"`
	NObs       int     `xml:"n_obs,attr"`
}

func encodeDescriptor(desc []float64) string {
	parts := make([]string, len(desc))
	for i, v := range desc {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

func decodeDescriptor(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, errors.Wrap(err, "gridmap: bad descriptor value")
		}
		out[i] = v
	}
	return out, nil
}

// WriteXML serializes the map's non-empty cells.
func (m *Map) WriteXML(w io.Writer) error {
	out := xmlMap{
		OriginX:    m.cfg.OriginX,
		OriginY:    m.cfg.OriginY,
		OriginZ:    m.cfg.OriginZ,
		Width:      m.cfg.Width,
		Length:     m.cfg.Length,
		Height:     m.cfg.Height,
		Resolution: m.cfg.Resolution,
	}

	m.ForEachCell(func(idx Index, c *Cell) bool {
		if len(c.Semantics) == 0 && len(c.Images) == 0 &&
			len(c.Corners) == 0 && len(c.Planars) == 0 && !c.HasElevation {
			return true
		}
		xc := xmlCell{I: idx.I, J: idx.J, K: idx.K}
		if c.HasElevation {
			e := c.Elevation
			xc.Elevation = &e
		}
		for _, f := range c.Semantics {
			xc.Semantics = append(xc.Semantics, xmlSemantic{
				ID: f.ID, X: f.Pos.X, Y: f.Pos.Y, Z: f.Pos.Z,
				StdevX: f.Gauss.Stdev.X, StdevY: f.Gauss.Stdev.Y,
				Theta: f.Gauss.Theta, Label: f.Info.Character,
			})
		}
		for _, f := range c.Images {
			xc.Images = append(xc.Images, xmlImage{
				ID: f.ID, X: f.Pos.X, Y: f.Pos.Y, Z: f.Pos.Z,
				U: f.U, V: f.V, R: f.R, G: f.G, B: f.B,
				Laplacian: f.Laplacian, NObs: f.NObservations,
				Descriptor: encodeDescriptor(f.Descriptor),
			})
		}
		for _, f := range c.Corners {
			xc.Corners = append(xc.Corners, xmlCorner{
				ID: f.ID, X: f.Pos.X, Y: f.Pos.Y, Z: f.Pos.Z,
				WhichPlane: f.WhichPlane, NObs: f.NObservations,
			})
		}
		for _, f := range c.Planars {
			xc.Planars = append(xc.Planars, xmlPlanar{
				ID: f.ID, X: f.Pos.X, Y: f.Pos.Y, Z: f.Pos.Z,
				WhichPlane: f.WhichPlane, NObs: f.NObservations,
			})
		}
		out.Cells = append(out.Cells, xc)
		return true
	})

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(out); err != nil {
		return errors.Wrap(err, "gridmap: encoding map")
	}
	return enc.Flush()
}

// ReadXML rebuilds a map from its serialized form, re-indexing features into
// cells by position.
func ReadXML(r io.Reader) (*Map, error) {
	var in xmlMap
	if err := xml.NewDecoder(r).Decode(&in); err != nil {
		return nil, errors.Wrap(err, "gridmap: decoding map")
	}
	m, err := New(Config{
		OriginX: in.OriginX, OriginY: in.OriginY, OriginZ: in.OriginZ,
		Width: in.Width, Length: in.Length, Height: in.Height,
		Resolution: in.Resolution,
	})
	if err != nil {
		return nil, err
	}

	for _, xc := range in.Cells {
		for _, f := range xc.Semantics {
			sem := feature.Semantic{
				ID:  f.ID,
				Pos: r3.Vector{X: f.X, Y: f.Y, Z: f.Z},
				Gauss: spatialmath.Gaussian2D{
					Mean:  r2.Point{X: f.X, Y: f.Y},
					Stdev: r2.Point{X: f.StdevX, Y: f.StdevY},
					Theta: f.Theta,
				},
				Info: feature.SemanticInfoFromLabel(f.Label),
			}
			if err := m.InsertSemantic(sem); err != nil {
				return nil, err
			}
		}
		for _, f := range xc.Images {
			desc, err := decodeDescriptor(f.Descriptor)
			if err != nil {
				return nil, err
			}
			img := feature.Image{
				ID:  f.ID,
				Pos: r3.Vector{X: f.X, Y: f.Y, Z: f.Z},
				U:   f.U, V: f.V, R: f.R, G: f.G, B: f.B,
				Descriptor:    desc,
				Laplacian:     f.Laplacian,
				NObservations: f.NObs,
			}
			if err := m.InsertImage(img); err != nil {
				return nil, err
			}
		}
		for _, f := range xc.Corners {
			corner := feature.Corner{
				ID:            f.ID,
				Pos:           r3.Vector{X: f.X, Y: f.Y, Z: f.Z},
				WhichPlane:    f.WhichPlane,
				NObservations: f.NObs,
			}
			if err := m.InsertCorner(corner); err != nil {
				return nil, err
			}
		}
		for _, f := range xc.Planars {
			planar := feature.Planar{
				ID:            f.ID,
				Pos:           r3.Vector{X: f.X, Y: f.Y, Z: f.Z},
				WhichPlane:    f.WhichPlane,
				NObservations: f.NObs,
			}
			if err := m.InsertPlanar(planar); err != nil {
				return nil, err
			}
		}
		if xc.Elevation != nil {
			x := in.OriginX + (float64(xc.I)+0.5)*in.Resolution
			y := in.OriginY + (float64(xc.J)+0.5)*in.Resolution
			if err := m.SetElevation(x, y, *xc.Elevation); err != nil &&
				!errors.Is(err, ErrOutOfBounds) {
				return nil, err
			}
		}
	}
	return m, nil
}

// SaveFile writes the map to an XML file.
func (m *Map) SaveFile(path string) error {
	f, err := os.Create(path) //nolint:gosec
	if err != nil {
		return errors.Wrap(err, "gridmap: creating map file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return m.WriteXML(f)
}

// LoadFile reads a map from an XML file.
func LoadFile(path string) (*Map, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, "gridmap: opening map file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return ReadXML(f)
}
