package fec

import "bytes"

import "testing"

func TestXOREqualLength(t *testing.T) {
	a := []byte{0x0F, 0xF0, 0xAA}
	b := []byte{0xF0, 0x0F, 0x55}
	got := XOR([][]byte{a, b})
	want := []byte{0xFF, 0xFF, 0xFF}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestXORUnequalLengthZeroPads(t *testing.T) {
	a := []byte{0xFF, 0xFF}
	b := []byte{0x0F}
	got := XOR([][]byte{a, b})
	want := []byte{0xF0, 0xFF}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestGenerateParityProducesIdenticalCopies(t *testing.T) {
	data := [][]byte{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	parity := GenerateParity(data, 2)
	if len(parity) != 2 {
		t.Fatalf("expected 2 parity copies, got %d", len(parity))
	}
	if !bytes.Equal(parity[0], parity[1]) {
		t.Fatalf("parity copies differ: %x vs %x", parity[0], parity[1])
	}
	want := XOR(data)
	if !bytes.Equal(parity[0], want) {
		t.Fatalf("parity %x != xor %x", parity[0], want)
	}
}

func TestReconstructSingleMissingDataChunk(t *testing.T) {
	data := [][]byte{{0xAA, 0xBB}, {0x11, 0x22}, {0x01, 0x02}}
	parity := XOR(data)

	present := [][]byte{data[0], nil, data[2], parity}
	got, ok := Reconstruct(present, 4)
	if !ok {
		t.Fatalf("expected reconstruction to succeed")
	}
	if !bytes.Equal(got, data[1]) {
		t.Fatalf("got %x want %x", got, data[1])
	}
}

func TestReconstructFailsWithMultipleMissing(t *testing.T) {
	data := [][]byte{{1}, {2}, {3}}
	present := [][]byte{data[0], nil, nil}
	if _, ok := Reconstruct(present, 4); ok {
		t.Fatalf("expected reconstruction to fail with 2 missing chunks")
	}
}

func TestReconstructFailsWithNoneMissing(t *testing.T) {
	data := [][]byte{{1}, {2}, {3}}
	if _, ok := Reconstruct(data, 3); ok {
		t.Fatalf("expected reconstruction to fail with nothing missing")
	}
}

func TestBlockBounds(t *testing.T) {
	lo, hi := BlockBounds(0, 4, 10)
	if lo != 0 || hi != 4 {
		t.Fatalf("block 0: got [%d,%d)", lo, hi)
	}
	lo, hi = BlockBounds(2, 4, 10)
	if lo != 8 || hi != 10 {
		t.Fatalf("block 2 (short final block): got [%d,%d)", lo, hi)
	}
}
