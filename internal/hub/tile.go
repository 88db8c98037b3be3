package hub

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	// maxMercatorLat is where the Web Mercator projection is cut off.
	maxMercatorLat = 85.05112878
	maxZoom        = 22
	// maxBBoxTiles bounds the subscription a single bbox can expand to.
	maxBBoxTiles = 1024
)

func tileAt(lat, lng float64, zoom int) maptile.Tile {
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	lng = math.Max(-180, math.Min(180, lng))
	zoom = max(0, min(zoom, maxZoom))

	z := maptile.Zoom(zoom)
	t := maptile.At(orb.Point{lng, lat}, z)
	last := uint32(1)<<z - 1
	t.X = min(t.X, last)
	t.Y = min(t.Y, last)
	return t
}

func tileKey(t maptile.Tile) string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// TileID returns the slippy map tile holding the point, formatted as
// zoom/x/y.
func TileID(lat, lng float64, zoom int) string {
	return tileKey(tileAt(lat, lng, zoom))
}

// ParseTileID splits a zoom/x/y id; ok is false for malformed ids and for
// coordinates outside the zoom level's grid.
func ParseTileID(id string) (zoom, x, y int, ok bool) {
	var rest string
	n, _ := fmt.Sscanf(id, "%d/%d/%d%s", &zoom, &x, &y, &rest)
	if n != 3 || zoom < 0 || zoom > maxZoom {
		return 0, 0, 0, false
	}
	size := 1 << zoom
	if x < 0 || x >= size || y < 0 || y >= size {
		return 0, 0, 0, false
	}
	return zoom, x, y, true
}

// AdjacentTiles returns the tile and its neighbours that exist on the grid.
func AdjacentTiles(zoom, x, y int) []string {
	size := 1 << zoom
	tiles := make([]string, 0, 9)
	for _, d := range [...][2]int{
		{-1, -1}, {-1, 0}, {-1, 1},
		{0, -1}, {0, 0}, {0, 1},
		{1, -1}, {1, 0}, {1, 1},
	} {
		nx, ny := x+d[0], y+d[1]
		if nx < 0 || nx >= size || ny < 0 || ny >= size {
			continue
		}
		tiles = append(tiles, tileKey(maptile.New(uint32(nx), uint32(ny), maptile.Zoom(zoom))))
	}
	return tiles
}

// TilesInBBox returns the tiles covering the box, or nil when the box
// spans more than maxBBoxTiles.
func TilesInBBox(minLat, minLng, maxLat, maxLng float64, zoom int) []string {
	if minLat > maxLat || minLng > maxLng {
		return nil
	}
	nw := tileAt(maxLat, minLng, zoom)
	se := tileAt(minLat, maxLng, zoom)

	count := int(se.X-nw.X+1) * int(se.Y-nw.Y+1)
	if count > maxBBoxTiles {
		return nil
	}
	tiles := make([]string, 0, count)
	for x := nw.X; x <= se.X; x++ {
		for y := nw.Y; y <= se.Y; y++ {
			tiles = append(tiles, tileKey(maptile.New(x, y, nw.Z)))
		}
	}
	return tiles
}
