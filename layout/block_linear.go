package layout

import "github.com/vkngwrapper/arsenal/guestres/internal/memutils"

// sectorWidth is the run of bytes within a GOB row that is stored contiguously
const sectorWidth = 16

type blockGeometry struct {
	surface      Surface
	blockHeight  int
	blockDepth   int
	rowsPerBlock int
	blockSize    int
	widthInGOBs  int
	heightBlocks int
	depthBlocks  int
}

func newBlockGeometry(s Surface, t TileConfig) blockGeometry {
	rowsPerBlock := GOBHeight * t.BlockHeight
	return blockGeometry{
		surface:      s,
		blockHeight:  t.BlockHeight,
		blockDepth:   t.BlockDepth,
		rowsPerBlock: rowsPerBlock,
		blockSize:    GOBSize * t.BlockHeight * t.BlockDepth,
		widthInGOBs:  memutils.DivideRoundingUp(s.RowBytes(), GOBWidth),
		heightBlocks: memutils.DivideRoundingUp(s.Rows(), rowsPerBlock),
		depthBlocks:  memutils.DivideRoundingUp(s.depth(), t.BlockDepth),
	}
}

func (g blockGeometry) size() int {
	return g.widthInGOBs * g.heightBlocks * g.depthBlocks * g.blockSize
}

// gobOffset is the position of byte x of row y within a single GOB
func gobOffset(x, y int) int {
	return (x/32)*256 + (y/2)*64 + ((x%32)/16)*32 + (y%2)*16 + x%16
}

// offset is the guest address of byte x of row y in depth slice z
func (g blockGeometry) offset(x, y, z int) int {
	xGOB := x / GOBWidth
	yBlock := y / g.rowsPerBlock
	zBlock := z / g.blockDepth

	blockIndex := (zBlock*g.heightBlocks+yBlock)*g.widthInGOBs + xGOB
	gobInBlock := (z%g.blockDepth)*g.blockHeight + (y%g.rowsPerBlock)/GOBHeight

	return blockIndex*g.blockSize + gobInBlock*GOBSize + gobOffset(x%GOBWidth, y%GOBHeight)
}

func (g blockGeometry) copy(linear, guest []byte, toLinear bool) {
	rowBytes := g.surface.RowBytes()
	rows := g.surface.Rows()

	for z := 0; z < g.surface.depth(); z++ {
		for y := 0; y < rows; y++ {
			linearRow := (z*rows + y) * rowBytes
			for x := 0; x < rowBytes; x += sectorWidth {
				n := min(sectorWidth, rowBytes-x)
				guestOffset := g.offset(x, y, z)
				if toLinear {
					copy(linear[linearRow+x:linearRow+x+n], guest[guestOffset:guestOffset+n])
				} else {
					copy(guest[guestOffset:guestOffset+n], linear[linearRow+x:linearRow+x+n])
				}
			}
		}
	}
}
