package gpt2

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	checkpointMagic   = 20240326
	checkpointVersion = 1
	headerLen         = 256
)

// SaveState writes the parameters in the llm.c checkpoint layout: a 256 int32
// header followed by every float32 parameter.
func (m *GPT2) SaveState(w io.Writer) error {
	header := make([]int32, headerLen)
	header[0] = checkpointMagic
	header[1] = checkpointVersion
	header[2] = int32(m.config.NPositions)
	header[3] = int32(m.config.VocabSize)
	header[4] = int32(m.config.NLayer)
	header[5] = int32(m.config.NHead)
	header[6] = int32(m.config.NEmbd)
	header[7] = int32(m.config.NCtx)
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write model header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, m.Params.Memory); err != nil {
		return fmt.Errorf("write model parameters: %w", err)
	}
	return nil
}

// LoadState reads parameters written by SaveState into the existing
// parameter memory, so replicas sharing it see the new weights.
func (m *GPT2) LoadState(r io.Reader) error {
	header := make([]int32, headerLen)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("read model header: %w", err)
	}
	if header[0] != checkpointMagic || header[1] != checkpointVersion {
		return fmt.Errorf("bad model file format")
	}
	got := [5]int32{header[2], header[3], header[4], header[5], header[6]}
	want := [5]int32{int32(m.config.NPositions), int32(m.config.VocabSize), int32(m.config.NLayer), int32(m.config.NHead), int32(m.config.NEmbd)}
	if got != want {
		return fmt.Errorf("checkpoint shape %v does not match model %v", got, want)
	}
	if err := binary.Read(r, binary.LittleEndian, m.Params.Memory); err != nil {
		return fmt.Errorf("read model parameters: %w", err)
	}
	return nil
}
