package interop

import (
	"fmt"
)

// magic is always the first 8 bytes of a frame. It
// lets us detect when frame boundaries have been
// corrupted, or when something that is not a peer
// has connected. It must stay constant or
// endpoints will not be able to talk to each other.
// magic[7] can vary; it says how the body was compressed:
// 00 => no compression
// 01 => s2
// 02 => lz4
// 03 => zstd:01 (fastest time, least compression for zstd)
// 04 => zstd:03
// 05 => zstd:07
// 06 => zstd:11 (best compression)
var magic = [8]byte{0x91, 0x3e, 0x0c, 0x7a, 0xd2, 0x45, 0x6b, 0x00}

var ErrMagicWrong = fmt.Errorf("interop: magic bytes not found at start of frame")

type magic7b byte

const (
	magic7b_none   magic7b = 0
	magic7b_s2     magic7b = 1
	magic7b_lz4    magic7b = 2
	magic7b_zstd01 magic7b = 3
	magic7b_zstd03 magic7b = 4
	magic7b_zstd07 magic7b = 5
	magic7b_zstd11 magic7b = 6

	// keep this as the last number, just above all
	// the rest, if you add more legit magic7b values above.
	magic7b_out_of_bounds magic7b = 7
)

func (m magic7b) String() (s string) {
	s, _ = decodeMagic7(m)
	return
}

func decodeMagic7(magic7 magic7b) (magicCompressAlgo string, err error) {
	switch magic7 {
	case magic7b_none:
		return "", nil
	case magic7b_s2:
		return "s2", nil
	case magic7b_lz4:
		return "lz4", nil
	case magic7b_zstd01:
		return "zstd:01", nil
	case magic7b_zstd03:
		return "zstd:03", nil
	case magic7b_zstd07:
		return "zstd:07", nil
	case magic7b_zstd11:
		return "zstd:11", nil
	}
	return "", fmt.Errorf("unrecognized magic7: '%v' ; valid choices: s2, lz4, zstd:01, zstd:03, zstd:07, zstd:11", byte(magic7))
}

func encodeMagic7(magicCompressAlgo string) (magic7 magic7b, err error) {
	switch magicCompressAlgo {
	case "":
		return magic7b_none, nil
	case "s2":
		return magic7b_s2, nil
	case "lz4":
		return magic7b_lz4, nil
	case "zstd:01":
		return magic7b_zstd01, nil
	case "zstd:03":
		return magic7b_zstd03, nil
	case "zstd:07":
		return magic7b_zstd07, nil
	case "zstd:11":
		return magic7b_zstd11, nil
	}
	return 0, fmt.Errorf("unrecognized magicCompressAlgo: '%v' ; "+
		"valid choices: s2, lz4, zstd:01, zstd:03, zstd:07, zstd:11",
		magicCompressAlgo)
}

// checkMagic verifies the first 7 bytes and returns
// the compression named by the 8th.
func checkMagic(by []byte) (magic7b, error) {
	for i := 0; i < 7; i++ {
		if by[i] != magic[i] {
			return 0, ErrMagicWrong
		}
	}
	m := magic7b(by[7])
	if m >= magic7b_out_of_bounds {
		return 0, fmt.Errorf("%w: compression byte %v", ErrMagicWrong, by[7])
	}
	return m, nil
}
