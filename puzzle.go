// Puzzle core
//
// A square source image is resized to a grid-aligned edge, converted to
// grayscale, and sliced into gridSize² square tiles, read left-to-right,
// top-to-bottom. The arrangement tracks which original tile currently
// occupies each grid slot; slot i showing tile current[i]. The identity
// permutation means the puzzle is solved.
//
// Shuffling re-rolls when the Fisher–Yates pass lands on the identity
// permutation, so a fresh puzzle is never already solved.

package main

import (
	"image"
	"image/draw"
	"math/rand"

	xdraw "golang.org/x/image/draw"
)

const (
	minGridSize = 2
	maxGridSize = 10

	// Rendered puzzles are always composed at (close to) this edge length;
	// the actual canvas is tileEdge*gridSize to keep tiling exact.
	renderEdge = 512
)

// Arrangement is the live puzzle state for one session.
type Arrangement struct {
	gridSize int
	tileEdge int
	tiles    []*image.Gray // original order, row-major
	current  []int         // current[slot] = original tile index occupying slot
}

// newArrangement resizes src to a grid-aligned square, converts it to
// grayscale and slices it into gridSize² tiles in original order.
func newArrangement(src image.Image, gridSize int) (*Arrangement, error) {
	if gridSize < minGridSize || gridSize > maxGridSize {
		return nil, errInvalidGridSize
	}

	tileEdge := renderEdge / gridSize
	target := tileEdge * gridSize

	// Scaling into a Gray destination also handles the grayscale conversion.
	canvas := image.NewGray(image.Rect(0, 0, target, target))
	xdraw.ApproxBiLinear.Scale(canvas, canvas.Bounds(), src, src.Bounds(), xdraw.Src, nil)

	count := gridSize * gridSize
	tiles := make([]*image.Gray, 0, count)
	for row := 0; row < gridSize; row++ {
		for col := 0; col < gridSize; col++ {
			tile := image.NewGray(image.Rect(0, 0, tileEdge, tileEdge))
			origin := image.Pt(col*tileEdge, row*tileEdge)
			draw.Draw(tile, tile.Bounds(), canvas, origin, draw.Src)
			tiles = append(tiles, tile)
		}
	}

	current := make([]int, count)
	for i := range current {
		current[i] = i
	}

	return &Arrangement{
		gridSize: gridSize,
		tileEdge: tileEdge,
		tiles:    tiles,
		current:  current,
	}, nil
}

// shufflePositions returns a uniform random permutation of 0..n-1.
func shufflePositions(n int) []int {
	positions := make([]int, n)
	for i := range positions {
		positions[i] = i
	}
	rand.Shuffle(n, func(i, j int) {
		positions[i], positions[j] = positions[j], positions[i]
	})
	return positions
}

// shuffle randomizes the arrangement, re-rolling if the shuffle happens
// to land back on the identity permutation.
func (a *Arrangement) shuffle() {
	for {
		a.current = shufflePositions(len(a.tiles))
		if !a.solved() || len(a.tiles) <= 1 {
			return
		}
	}
}

// swap exchanges the tiles shown in slots i and j. i == j is a legal no-op.
func (a *Arrangement) swap(i, j int) error {
	if i < 0 || j < 0 || i >= len(a.current) || j >= len(a.current) {
		return errInvalidTileIndex
	}

	a.current[i], a.current[j] = a.current[j], a.current[i]

	return nil
}

// solved reports whether every slot shows its original tile.
func (a *Arrangement) solved() bool {
	for slot, tile := range a.current {
		if slot != tile {
			return false
		}
	}
	return true
}

// render composes the current arrangement into a single grayscale image,
// placing tiles row-major.
func (a *Arrangement) render() *image.Gray {
	edge := a.tileEdge * a.gridSize
	out := image.NewGray(image.Rect(0, 0, edge, edge))

	for slot, tile := range a.current {
		row := slot / a.gridSize
		col := slot % a.gridSize
		rect := image.Rect(col*a.tileEdge, row*a.tileEdge, (col+1)*a.tileEdge, (row+1)*a.tileEdge)
		draw.Draw(out, rect, a.tiles[tile], image.Point{}, draw.Src)
	}

	return out
}
