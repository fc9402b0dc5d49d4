// Package ingest converts an upstream OSM XML response into tile records in a
// single pass: nodes are emitted as soon as they are read, ways as soon as
// their node references can be resolved.
package ingest

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"time"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2bmap-go/internal/bmap"
	"github.com/wegman-software/osm2bmap-go/internal/tileaddr"
)

// Pipeline streams one upstream response into a record writer.
// A Pipeline is used for a single build.
type Pipeline struct {
	enc     *bmap.Encoder
	allowed bmap.KeySet
	w       *bmap.Writer
	log     *zap.Logger

	nodes  map[uint32]bmap.Point
	points []bmap.Point
	geom   []byte
	stats  Stats
}

// New creates a pipeline writing records to w. allowed is the way key
// allow-list of the requesting client.
func New(enc *bmap.Encoder, allowed bmap.KeySet, w *bmap.Writer, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		enc:     enc,
		allowed: allowed,
		w:       w,
		log:     log,
		nodes:   make(map[uint32]bmap.Point, 4096),
		geom:    make([]byte, 0, 1024),
	}
}

// Stats returns the counters of the last run
func (p *Pipeline) Stats() Stats {
	return p.stats
}

// Run reads the XML document from r until EOF. Upstream failures are
// returned as *bmap.Error; records already written stay in the writer.
func (p *Pipeline) Run(ctx context.Context, r io.Reader) (Stats, error) {
	cr := &countingReader{r: r}
	scanner := osmxml.New(ctx, cr)
	defer scanner.Close()

	err := p.consume(ctx, scanner, cr, "XML")
	if err == nil {
		err = checkRoot(cr)
	}
	return p.stats, err
}

// RunPBF converts an OSM PBF extract. Blocks are decoded by procs goroutines
// but objects still arrive in file order, nodes before ways.
func (p *Pipeline) RunPBF(ctx context.Context, r io.Reader, procs int) (Stats, error) {
	if procs < 1 {
		procs = runtime.NumCPU()
	}
	cr := &countingReader{r: r}
	scanner := osmpbf.New(ctx, cr, procs)
	scanner.SkipRelations = true
	defer scanner.Close()

	err := p.consume(ctx, scanner, cr, "PBF")
	return p.stats, err
}

func (p *Pipeline) consume(ctx context.Context, scanner osm.Scanner, cr *countingReader, format string) error {
	written := p.w.Written()
	defer func() {
		p.stats.BytesRead = cr.n
		p.stats.BytesWritten = p.w.Written() - written
	}()

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch o := scanner.Object().(type) {
		case *osm.Node:
			err = p.handleNode(o)
		case *osm.Way:
			err = p.handleWay(o)
		}
		if err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return p.classify(cr, err, format)
	}
	if !cr.content {
		return bmap.NewError(bmap.CodeNoData, nil)
	}
	return nil
}

// classify maps a scanner failure onto a protocol error
func (p *Pipeline) classify(cr *countingReader, err error, format string) error {
	if cr.err != nil && !errors.Is(cr.err, io.EOF) {
		return bmap.Errorf(bmap.CodeNoData, "Connection closed: %w", cr.err)
	}
	var syntax *xml.SyntaxError
	if errors.As(err, &syntax) {
		return bmap.Errorf(bmap.CodeUpstreamMalformed, "XML error: %s at line %d", syntax.Msg, syntax.Line)
	}
	return bmap.Errorf(bmap.CodeUpstreamMalformed, "%s error: %w", format, err)
}

// checkRoot rejects a well-formed body whose document element is not <osm>,
// such as an HTML or plain text error page served with status 200. The
// scanner skips elements it does not know, so it accepts those silently.
func checkRoot(cr *countingReader) error {
	dec := xml.NewDecoder(bytes.NewReader(cr.head))
	dec.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) {
		return in, nil
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			// a prolog longer than the captured head cannot be judged
			if len(cr.head) == headSize {
				return nil
			}
			return bmap.Errorf(bmap.CodeUpstreamMalformed, "XML error: no root element")
		}
		if se, ok := tok.(xml.StartElement); ok {
			if se.Name.Local != "osm" {
				return bmap.Errorf(bmap.CodeUpstreamMalformed, "XML error: unexpected root element <%s>", se.Name.Local)
			}
			return nil
		}
	}
}

func (p *Pipeline) handleNode(n *osm.Node) error {
	p.stats.Nodes++

	node := bmap.Node{
		ID:        p.wrapID("node", int64(n.ID)),
		Lon:       tileaddr.ToMicroDegrees(n.Lon),
		Lat:       tileaddr.ToMicroDegrees(n.Lat),
		Timestamp: formatTime(n.Timestamp),
		Tags:      dropCreatedBy(n.Tags),
	}
	p.nodes[node.ID] = node.Point()

	if len(node.Tags) == 0 {
		return nil
	}
	blob, eligible := p.enc.EncodeNodeProps(node.Tags)
	if !eligible {
		return nil
	}
	p.stats.NodesEmitted++
	return p.w.WriteNode(node.ID, node.Lon, node.Lat, blob)
}

func (p *Pipeline) handleWay(w *osm.Way) error {
	p.stats.Ways++

	way := bmap.Way{
		ID:        p.wrapID("way", int64(w.ID)),
		Timestamp: formatTime(w.Timestamp),
		Refs:      make([]uint32, 0, len(w.Nodes)),
		Tags:      dropCreatedBy(w.Tags),
	}
	for _, wn := range w.Nodes {
		way.Refs = append(way.Refs, p.wrapID("node", int64(wn.ID)))
	}

	// A ref to a node outside the response repeats the previous position.
	// Leading unresolved refs have no previous position and are skipped.
	p.points = p.points[:0]
	dangling := 0
	for _, ref := range way.Refs {
		pt, ok := p.nodes[ref]
		if !ok {
			dangling++
			if len(p.points) == 0 {
				continue
			}
			pt = p.points[len(p.points)-1]
		}
		p.points = append(p.points, pt)
	}
	if dangling > 0 {
		p.stats.DanglingRefs += int64(dangling)
		p.log.Warn("Way references missing nodes",
			zap.Uint32("way", way.ID),
			zap.Int("missing", dangling),
			zap.Int("refs", len(way.Refs)))
	}
	if len(p.points) == 0 {
		p.stats.WaysSkipped++
		return nil
	}

	var count uint32
	count, p.geom = bmap.AppendGeometry(p.geom[:0], p.points)
	props := p.enc.EncodeWayProps(way.Tags, p.allowed)

	p.stats.WaysEmitted++
	return p.w.WriteWay(way.ID, count, p.geom, props)
}

// wrapID keeps the low 32 bits of an element id
func (p *Pipeline) wrapID(kind string, id int64) uint32 {
	if id < 0 || id > math.MaxUint32 {
		p.stats.WrappedIDs++
		p.log.Warn("Element id does not fit 32 bits, wrapping",
			zap.String("type", kind),
			zap.Int64("id", id),
			zap.Uint32("wrapped", uint32(id)))
	}
	return uint32(id)
}

// dropCreatedBy returns the tags without created_by, preserving order
func dropCreatedBy(tags osm.Tags) osm.Tags {
	for i, t := range tags {
		if t.Key != "created_by" {
			continue
		}
		out := make(osm.Tags, 0, len(tags)-1)
		out = append(out, tags[:i]...)
		for _, t := range tags[i+1:] {
			if t.Key != "created_by" {
				out = append(out, t)
			}
		}
		return out
	}
	return tags
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// headSize is how much of a response is kept for the root element check
const headSize = 4096

// countingReader counts bytes and remembers the read error. It keeps the
// start of the body and notes whether anything but whitespace was read.
type countingReader struct {
	r       io.Reader
	n       int64
	err     error
	head    []byte
	content bool
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	if err != nil {
		c.err = err
	}

	data := b[:n]
	if !c.content {
		data = bytes.TrimLeft(data, " \t\r\n")
		c.content = len(data) > 0
	}
	if room := headSize - len(c.head); room > 0 && len(data) > 0 {
		c.head = append(c.head, data[:min(room, len(data))]...)
	}
	return n, err
}
