package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WAV format codes.
const (
	wavFormatPCM  = 1
	wavFormatPCMA = 6
	wavFormatPCMU = 7

	wavHeaderSize = 44
)

// wavFormat is the body of a "fmt " chunk.
type wavFormat struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// readWAV walks the RIFF chunks of r and returns the format and the raw
// contents of the data chunk.
func readWAV(r io.ReadSeeker) (wavFormat, []byte, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return wavFormat{}, nil, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return wavFormat{}, nil, errors.New("not a RIFF/WAVE file")
	}

	var (
		format   wavFormat
		foundFmt bool
	)
	for {
		var id [4]byte
		var size uint32
		if _, err := io.ReadFull(r, id[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return wavFormat{}, nil, errors.New("wav file missing data chunk")
			}
			return wavFormat{}, nil, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return wavFormat{}, nil, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(id[:]) {
		case "fmt ":
			if size < 16 {
				return wavFormat{}, nil, fmt.Errorf("fmt chunk too small: %d bytes", size)
			}
			if err := binary.Read(r, binary.LittleEndian, &format); err != nil {
				return wavFormat{}, nil, fmt.Errorf("reading fmt chunk: %w", err)
			}
			if size > 16 {
				if _, err := r.Seek(int64(size-16), io.SeekCurrent); err != nil {
					return wavFormat{}, nil, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return wavFormat{}, nil, errors.New("wav data chunk before fmt chunk")
			}
			data := make([]byte, size)
			n, err := io.ReadFull(r, data)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return wavFormat{}, nil, fmt.Errorf("reading data chunk: %w", err)
			}
			return format, data[:n], nil
		default:
			skip := int64(size)
			if size%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return wavFormat{}, nil, fmt.Errorf("skipping chunk %q: %w", string(id[:]), err)
			}
		}
	}
}

// toPCM validates an 8 kHz mono file and converts its samples to linear
// PCM.
func toPCM(format wavFormat, data []byte) ([]byte, error) {
	if format.NumChannels != 1 {
		return nil, fmt.Errorf("wav file must be mono, got %d channels", format.NumChannels)
	}
	if format.SampleRate != ClockRate {
		return nil, fmt.Errorf("wav file must be %d Hz, got %d Hz", ClockRate, format.SampleRate)
	}
	switch {
	case format.AudioFormat == wavFormatPCM && format.BitsPerSample == 16:
		return data[:len(data)&^1], nil
	case format.AudioFormat == wavFormatPCMU && format.BitsPerSample == 8:
		return Decode(PayloadPCMU, data)
	case format.AudioFormat == wavFormatPCMA && format.BitsPerSample == 8:
		return Decode(PayloadPCMA, data)
	}
	return nil, fmt.Errorf("unsupported wav encoding: format %d, %d-bit", format.AudioFormat, format.BitsPerSample)
}

// writeWAVHeader writes a 44-byte header for 16-bit 8 kHz mono PCM.
func writeWAVHeader(w io.Writer, dataSize uint32) error {
	var hdr [wavHeaderSize]byte

	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], wavHeaderSize-8+dataSize)
	copy(hdr[8:12], "WAVE")

	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(hdr[22:24], 1)
	binary.LittleEndian.PutUint32(hdr[24:28], ClockRate)
	binary.LittleEndian.PutUint32(hdr[28:32], ClockRate*2)
	binary.LittleEndian.PutUint16(hdr[32:34], 2)
	binary.LittleEndian.PutUint16(hdr[34:36], 16)

	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)

	_, err := w.Write(hdr[:])
	return err
}
