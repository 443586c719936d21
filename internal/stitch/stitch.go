// Package stitch groups the flat lines of a bulk export into composite
// records: one product with all of its child records attached.
//
// Children reference their product through __parentId and may arrive before
// or after the product line. Each group keeps a bounded number of children
// in memory and spills the rest to a bbolt scratch store; children whose
// product never shows up are quarantined and counted.
package stitch

import (
	"bufio"
	"bytes"
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/johndauphine/shopify-bulk-ingest/internal/logging"
)

// Options bounds memory use and positions the pass for resume.
type Options struct {
	GroupBudget    int // children kept in memory per group before spilling
	MaxOpenGroups  int // headless groups allowed to hold children in memory
	LookaheadLines int // lines a headless group may wait for its product
	MaxLineBytes   int
	RecentParents  int // closed product ids remembered to detect late children
	ScratchDir     string

	// StartLine and StartOffset describe where the reader is already
	// positioned.
	StartLine   int64
	StartOffset int64
}

func (o *Options) applyDefaults() {
	if o.GroupBudget <= 0 {
		o.GroupBudget = 500
	}
	if o.MaxOpenGroups <= 0 {
		o.MaxOpenGroups = 64
	}
	if o.LookaheadLines <= 0 {
		o.LookaheadLines = 100000
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = 4 << 20
	}
	if o.RecentParents <= 0 {
		o.RecentParents = 4096
	}
}

// Composite is a product with its resolved children.
type Composite struct {
	Parent          Record
	Variants        []Record
	Metafields      []Record
	InventoryItems  []Record
	InventoryLevels []Record
	// Boundary is the first line not yet fully accounted for once this
	// composite is handled. Checkpoints record it.
	Boundary Position
}

func (c *Composite) add(rec Record) {
	switch rec.Kind {
	case KindVariant:
		c.Variants = append(c.Variants, rec)
	case KindMetafield:
		c.Metafields = append(c.Metafields, rec)
	case KindInventoryItem:
		c.InventoryItems = append(c.InventoryItems, rec)
	case KindInventoryLevel:
		c.InventoryLevels = append(c.InventoryLevels, rec)
	}
}

// ChildrenOf returns the children of one kind.
func (c *Composite) ChildrenOf(k Kind) []Record {
	switch k {
	case KindVariant:
		return c.Variants
	case KindMetafield:
		return c.Metafields
	case KindInventoryItem:
		return c.InventoryItems
	case KindInventoryLevel:
		return c.InventoryLevels
	default:
		return nil
	}
}

// ChildCount is the number of children across all kinds.
func (c *Composite) ChildCount() int {
	return len(c.Variants) + len(c.Metafields) + len(c.InventoryItems) + len(c.InventoryLevels)
}

// Sink receives composites. The stitcher waits for it before reading on.
type Sink func(ctx context.Context, c *Composite) error

// Stitcher runs stitching passes.
type Stitcher struct {
	opts Options
}

// New returns a Stitcher with defaults applied to unset options.
func New(opts Options) *Stitcher {
	opts.applyDefaults()
	return &Stitcher{opts: opts}
}

type group struct {
	id           string
	parent       *Record
	children     []Record
	spilled      int
	spilledKinds [numKinds]int64
	spillOnly    bool
	firstPos     Position

	orderElem    *list.Element
	headlessElem *list.Element
	memElem      *list.Element
}

// pass is the state of one Run.
type pass struct {
	opts    Options
	summary Summary
	counts  counts

	open        map[string]*group
	order       *list.List // open groups by creation
	headless    *list.List // groups still waiting for their product
	memHeadless *list.List // headless groups holding children in memory
	current     *group
	recent      *lru.Cache[string, struct{}]
	spill       *spillStore
	buffered    int64

	pos Position // next line to read
	buf []byte
}

// Run reads r to the end, invoking sink once per resolved product.
func (s *Stitcher) Run(ctx context.Context, r io.Reader, sink Sink) (Summary, error) {
	recent, err := lru.New[string, struct{}](s.opts.RecentParents)
	if err != nil {
		return Summary{}, fmt.Errorf("creating recent-parent cache: %w", err)
	}
	p := &pass{
		opts:        s.opts,
		open:        make(map[string]*group),
		order:       list.New(),
		headless:    list.New(),
		memHeadless: list.New(),
		recent:      recent,
		pos:         Position{Line: s.opts.StartLine, Offset: s.opts.StartOffset},
	}
	defer p.closeSpill()

	logging.Debug("Stitching from line %d offset %d", p.pos.Line, p.pos.Offset)
	err = p.run(ctx, r, sink)
	p.summary.fill(&p.counts)
	if err != nil {
		return p.summary, err
	}
	logging.Info("Stitched %d products from %d lines (%d invalid, %d children quarantined, %d orphan groups)",
		p.summary.ProductsEmitted, p.summary.TotalLines, p.summary.InvalidLines,
		p.summary.Quarantined(), p.summary.OrphanGroups)
	return p.summary, nil
}

func (p *pass) run(ctx context.Context, r io.Reader, sink Sink) error {
	br := bufio.NewReaderSize(r, 256<<10)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, n, tooLong, readErr := p.readLine(br)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("reading export at line %d: %w", p.pos.Line, readErr)
		}
		if n == 0 {
			break
		}

		pos := p.pos
		p.pos.Line++
		p.pos.Offset += n
		p.summary.TotalLines++
		p.summary.BytesProcessed += n

		if err := p.handle(ctx, line, tooLong, pos, sink); err != nil {
			return err
		}
		p.expireHeadless(pos.Line)

		if readErr != nil {
			break
		}
	}

	// End of stream: nothing can claim the remaining headless groups.
	for e := p.headless.Front(); e != nil; e = p.headless.Front() {
		if err := p.quarantine(e.Value.(*group)); err != nil {
			return err
		}
	}
	if p.current != nil {
		g := p.current
		p.current = nil
		if err := p.emit(ctx, g, p.pos, sink); err != nil {
			return err
		}
	}
	p.summary.EndOfStream = true
	return nil
}

// readLine returns the next line (newline included) and the bytes consumed.
// Lines over MaxLineBytes are consumed but not returned.
func (p *pass) readLine(br *bufio.Reader) ([]byte, int64, bool, error) {
	p.buf = p.buf[:0]
	var (
		n       int64
		tooLong bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		n += int64(len(chunk))
		if !tooLong {
			if len(p.buf)+len(chunk) > p.opts.MaxLineBytes {
				tooLong = true
				p.buf = p.buf[:0]
			} else {
				p.buf = append(p.buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return p.buf, n, tooLong, err
	}
}

func (p *pass) handle(ctx context.Context, line []byte, tooLong bool, pos Position, sink Sink) error {
	if tooLong {
		p.summary.InvalidLines++
		logging.Debug("Line %d exceeds %d bytes; skipped", pos.Line, p.opts.MaxLineBytes)
		return nil
	}
	if len(bytes.TrimSpace(line)) == 0 {
		p.summary.BlankLines++
		return nil
	}
	rec, err := Classify(line)
	if err != nil {
		p.summary.InvalidLines++
		logging.Debug("Line %d is not valid JSON: %v", pos.Line, err)
		return nil
	}
	p.summary.ValidLines++
	rec.Raw = append([]byte(nil), rec.Raw...)
	rec.Pos = pos

	switch rec.Kind {
	case KindProduct:
		return p.onParent(ctx, rec, sink)
	case KindUnknown:
		p.summary.ChildrenUnclassified++
		return nil
	default:
		return p.onChild(rec)
	}
}

func (p *pass) onParent(ctx context.Context, rec Record, sink Sink) error {
	p.counts.seen[KindProduct]++

	if p.current != nil {
		if rec.ID != "" && p.current.id == rec.ID {
			// Repeated product line: the later payload wins.
			p.current.parent = &rec
			return nil
		}
		g := p.current
		p.current = nil
		if err := p.emit(ctx, g, rec.Pos, sink); err != nil {
			return err
		}
	}

	if rec.ID == "" {
		// Without an id nothing can attach to it; hand it on alone.
		return p.emit(ctx, &group{parent: &rec, firstPos: rec.Pos}, p.pos, sink)
	}

	g := p.open[rec.ID]
	if g != nil {
		p.detachHeadless(g)
	} else {
		g = p.newGroup(rec.ID, rec.Pos)
	}
	g.parent = &rec
	p.current = g
	return nil
}

func (p *pass) onChild(rec Record) error {
	p.counts.seen[rec.Kind]++

	if c := p.current; c != nil && c.id == rec.ParentID {
		return p.add(c, rec)
	}
	if g := p.open[rec.ParentID]; g != nil {
		return p.add(g, rec)
	}
	if p.recent.Contains(rec.ParentID) {
		p.counts.quarantined[rec.Kind]++
		p.summary.LateChildren++
		logging.Debug("Late %s %s for closed product %s at line %d", rec.Kind, rec.ID, rec.ParentID, rec.Pos.Line)
		return nil
	}

	g := p.newGroup(rec.ParentID, rec.Pos)
	g.headlessElem = p.headless.PushBack(g)
	g.memElem = p.memHeadless.PushBack(g)
	if p.memHeadless.Len() > p.opts.MaxOpenGroups {
		if err := p.evict(p.memHeadless.Front().Value.(*group)); err != nil {
			return err
		}
	}
	return p.add(g, rec)
}

func (p *pass) newGroup(id string, pos Position) *group {
	g := &group{id: id, firstPos: pos}
	g.orderElem = p.order.PushBack(g)
	p.open[id] = g
	return g
}

func (p *pass) add(g *group, rec Record) error {
	if g.spillOnly || len(g.children) >= p.opts.GroupBudget {
		return p.spillChild(g, rec)
	}
	g.children = append(g.children, rec)
	p.buffered++
	if p.buffered > p.summary.ChildrenBufferedPeak {
		p.summary.ChildrenBufferedPeak = p.buffered
	}
	return nil
}

func (p *pass) spillChild(g *group, rec Record) error {
	if p.spill == nil {
		s, err := openSpill(p.opts.ScratchDir)
		if err != nil {
			return err
		}
		p.spill = s
	}
	if err := p.spill.put(rec); err != nil {
		return err
	}
	g.spilled++
	g.spilledKinds[rec.Kind]++
	p.counts.spilled[rec.Kind]++
	return nil
}

// evict moves a headless group's in-memory children to disk.
func (p *pass) evict(g *group) error {
	for _, c := range g.children {
		if err := p.spillChild(g, c); err != nil {
			return err
		}
	}
	p.buffered -= int64(len(g.children))
	g.children = nil
	g.spillOnly = true
	if g.memElem != nil {
		p.memHeadless.Remove(g.memElem)
		g.memElem = nil
	}
	return nil
}

func (p *pass) detachHeadless(g *group) {
	if g.headlessElem != nil {
		p.headless.Remove(g.headlessElem)
		g.headlessElem = nil
	}
	if g.memElem != nil {
		p.memHeadless.Remove(g.memElem)
		g.memElem = nil
	}
}

func (p *pass) remove(g *group) {
	p.detachHeadless(g)
	if g.orderElem != nil {
		p.order.Remove(g.orderElem)
		g.orderElem = nil
	}
	if g.id != "" && p.open[g.id] == g {
		delete(p.open, g.id)
	}
}

// expireHeadless quarantines headless groups that waited too long.
func (p *pass) expireHeadless(line int64) {
	for e := p.headless.Front(); e != nil; e = p.headless.Front() {
		g := e.Value.(*group)
		if line-g.firstPos.Line <= int64(p.opts.LookaheadLines) {
			return
		}
		if err := p.quarantine(g); err != nil {
			logging.Warn("Quarantining group %s: %v", g.id, err)
		}
	}
}

func (p *pass) quarantine(g *group) error {
	p.remove(g)
	for _, c := range g.children {
		p.counts.quarantined[c.Kind]++
	}
	p.buffered -= int64(len(g.children))
	for k, n := range g.spilledKinds {
		p.counts.quarantined[k] += n
	}
	p.summary.OrphanGroups++
	logging.Debug("Quarantined %d children of missing product %s", len(g.children)+g.spilled, g.id)
	if g.spilled > 0 {
		if _, _, err := p.spill.take(g.id, false); err != nil {
			return err
		}
	}
	return nil
}

// emit closes g and hands its composite to the sink. next is the first
// line not yet read.
func (p *pass) emit(ctx context.Context, g *group, next Position, sink Sink) error {
	p.remove(g)

	children := g.children
	p.buffered -= int64(len(g.children))
	if g.spilled > 0 {
		drained, _, err := p.spill.take(g.id, true)
		if err != nil {
			return err
		}
		children = append(children, drained...)
		// Evicted groups can interleave memory and disk; line order is arrival order.
		sort.SliceStable(children, func(i, j int) bool { return children[i].Pos.Line < children[j].Pos.Line })
	}

	comp := &Composite{Parent: *g.parent, Boundary: p.boundary(next)}
	for _, c := range children {
		comp.add(c)
		p.counts.emitted[c.Kind]++
	}
	p.counts.emitted[KindProduct]++
	if g.id != "" {
		p.recent.Add(g.id, struct{}{})
	}

	if err := sink(ctx, comp); err != nil {
		return fmt.Errorf("handling product %s: %w", g.id, err)
	}
	return nil
}

// boundary is the earliest first line among still-open groups, or next.
func (p *pass) boundary(next Position) Position {
	if front := p.order.Front(); front != nil {
		if fp := front.Value.(*group).firstPos; fp.Line < next.Line {
			return fp
		}
	}
	return next
}

func (p *pass) closeSpill() {
	if p.spill == nil {
		return
	}
	if err := p.spill.close(); err != nil {
		logging.Warn("Closing spill store: %v", err)
	}
}
