package bmap

import (
	"fmt"
	"io"
	"time"
)

// DumpStats counts the records of a dumped page by type
type DumpStats struct {
	Nodes, Ways, Footers, Errors, Suppressed, Markers, Unknown int
	Bytes                                                      int
}

// Dump writes a human readable listing of the records of page to out.
// withPoints adds the decoded way geometry.
func Dump(out io.Writer, page []byte, withPoints bool) (DumpStats, error) {
	var st DumpStats
	err := Scan(page, func(r Record) error {
		st.Bytes += len(r.Raw)
		switch r.Type {
		case TypeNode:
			st.Nodes++
			n, err := DecodeNode(r)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "n %d %.6f,%.6f place=%d%s\n",
				n.ID, microToDeg(n.Lon), microToDeg(n.Lat), n.Place, formatProps(n.Props))
			return err
		case TypeWay:
			st.Ways++
			w, err := DecodeWay(r)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(out, "w %d points=%d%s\n", w.ID, w.Count, formatProps(w.Props)); err != nil {
				return err
			}
			if withPoints {
				for _, p := range w.Points {
					if _, err := fmt.Fprintf(out, "  %.6f,%.6f\n", microToDeg(p.Lon), microToDeg(p.Lat)); err != nil {
						return err
					}
				}
			}
			return nil
		case TypeFooter:
			st.Footers++
			t, err := DecodeFooter(r)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "t %s\n", t.UTC().Format(time.RFC3339))
			return err
		case TypeError:
			st.Errors++
			code, msg, err := DecodeError(r)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "f %d %s: %s\n", uint8(code), code, msg)
			return err
		case TypeSuppressed:
			st.Suppressed++
			ids, err := DecodeSuppressed(r)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "o %v\n", ids)
			return err
		}
		if m, ok := r.Marker(); ok {
			st.Markers++
			_, err := fmt.Fprintln(out, m)
			return err
		}
		st.Unknown++
		_, err := fmt.Fprintf(out, "? type=%q length=%d\n", r.Type, len(r.Raw)-4)
		return err
	})
	return st, err
}

func formatProps(props []Property) string {
	var s string
	for _, p := range props {
		s += fmt.Sprintf(" %d=%s", p.Key, p.String())
	}
	return s
}

func microToDeg(v int32) float64 {
	return float64(v) / 1e6
}
