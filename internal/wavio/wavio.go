// Package wavio writes and reads multichannel 32-bit float PCM WAV files,
// auto-escalating to RF64 (EBU Tech 3306) when the data chunk would exceed
// the standard WAV 32-bit size field.
//
// Per the RF64 recommendation, a placeholder "ds64" chunk is always
// reserved right after the RIFF header, written initially as a "JUNK" chunk:
// if the file stays under the threshold it is left as padding; if not, its
// chunk id and payload are rewritten in place at Close, with no other bytes
// in the file moving.
package wavio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// maxStandardDataBytes is the largest data-chunk size a standard WAV 32-bit
// size field can hold. A data chunk larger than this forces RF64.
const maxStandardDataBytes = 0xFFFFFFFF

const (
	formatIEEEFloat = 3
	bitsPerSample   = 32
	ds64ChunkSize   = 28 // riffSize64 + dataSize64 + sampleCount64 + tableLength
)

// Writer streams interleaved float32 frames to a WAV or RF64 file, deciding
// the final format only at Close, once the real data size is known.
type Writer struct {
	f        *os.File
	channels int

	riffSizePos      int64
	ds64ChunkPos     int64
	dataChunkIDPos   int64
	dataChunkSizePos int64
	dataStartPos     int64

	dataBytes int64
}

// Create opens path and writes a provisional header for a channels-channel,
// sampleRate stream. Call WriteFrames repeatedly, then Close.
func Create(path string, channels, sampleRate int) (*Writer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("wavio: channels must be positive, got %d", channels)
	}

	var f, err = os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavio: create %s: %w", path, err)
	}

	var w = &Writer{f: f, channels: channels}
	if err := w.writeProvisionalHeader(sampleRate); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeProvisionalHeader(sampleRate int) error {
	var buf = make([]byte, 0, 64)

	// RIFF header: id, size placeholder, format. Size is patched at Close.
	buf = append(buf, 'R', 'I', 'F', 'F')
	w.riffSizePos = int64(len(buf))
	buf = appendU32(buf, 0)
	buf = append(buf, 'W', 'A', 'V', 'E')

	// ds64 placeholder, written as JUNK until proven otherwise.
	w.ds64ChunkPos = int64(len(buf))
	buf = append(buf, 'J', 'U', 'N', 'K')
	buf = appendU32(buf, ds64ChunkSize)
	buf = append(buf, make([]byte, ds64ChunkSize)...)

	// fmt chunk.
	var blockAlign = w.channels * bitsPerSample / 8
	var byteRate = sampleRate * blockAlign
	buf = append(buf, 'f', 'm', 't', ' ')
	buf = appendU32(buf, 16)
	buf = appendU16(buf, formatIEEEFloat)
	buf = appendU16(buf, uint16(w.channels))
	buf = appendU32(buf, uint32(sampleRate))
	buf = appendU32(buf, uint32(byteRate))
	buf = appendU16(buf, uint16(blockAlign))
	buf = appendU16(buf, bitsPerSample)

	// data chunk header; size placeholder patched at Close.
	w.dataChunkIDPos = int64(len(buf))
	buf = append(buf, 'd', 'a', 't', 'a')
	w.dataChunkSizePos = int64(len(buf))
	buf = appendU32(buf, 0)
	w.dataStartPos = int64(len(buf))

	var _, err = w.f.Write(buf)
	return err
}

// WriteFrames appends interleaved float32 samples (frame-major: sample i of
// channel c is at index i*channels+c) to the file.
func (w *Writer) WriteFrames(samples []float32) error {
	if len(samples)%w.channels != 0 {
		return fmt.Errorf("wavio: %d samples is not a multiple of %d channels", len(samples), w.channels)
	}

	var buf = make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}

	var _, err = w.f.Write(buf)
	if err != nil {
		return fmt.Errorf("wavio: write frames: %w", err)
	}
	w.dataBytes += int64(len(buf))
	return nil
}

// Close finalises the header: standard WAV if the data chunk fits in 32
// bits, RF64 otherwise, and closes the underlying file.
func (w *Writer) Close() error {
	var escalate = w.dataBytes > maxStandardDataBytes

	if escalate {
		if err := w.writeRF64Header(); err != nil {
			w.f.Close()
			return err
		}
	} else {
		if err := w.writeStandardHeader(); err != nil {
			w.f.Close()
			return err
		}
	}

	return w.f.Close()
}

func (w *Writer) writeStandardHeader() error {
	var riffSize = uint32(w.dataStartPos - 8 + w.dataBytes)
	if _, err := w.f.WriteAt(u32Bytes(riffSize), w.riffSizePos); err != nil {
		return err
	}
	return w.writeAtU32(w.dataChunkSizePos, uint32(w.dataBytes))
}

func (w *Writer) writeRF64Header() error {
	if _, err := w.f.WriteAt([]byte("RF64"), 0); err != nil {
		return err
	}
	if _, err := w.f.WriteAt(u32Bytes(0xFFFFFFFF), w.riffSizePos); err != nil {
		return err
	}

	var frames = w.dataBytes / int64(w.channels*4)
	var riffSize64 = uint64(w.dataStartPos-8) + uint64(w.dataBytes)

	var payload = make([]byte, 0, ds64ChunkSize)
	payload = appendU64(payload, riffSize64)
	payload = appendU64(payload, uint64(w.dataBytes))
	payload = appendU64(payload, uint64(frames))
	payload = appendU32(payload, 0) // table length: no auxiliary chunk sizes

	if _, err := w.f.WriteAt([]byte("ds64"), w.ds64ChunkPos); err != nil {
		return err
	}
	if _, err := w.f.WriteAt(payload, w.ds64ChunkPos+8); err != nil {
		return err
	}

	// Per the ds64 convention, the data chunk's own size field is set to
	// 0xFFFFFFFF; readers must consult ds64 for the real size.
	return w.writeAtU32(w.dataChunkSizePos, 0xFFFFFFFF)
}

func (w *Writer) writeAtU32(pos int64, v uint32) error {
	var _, err = w.f.WriteAt(u32Bytes(v), pos)
	return err
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU64(b []byte, v uint64) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func u32Bytes(v uint32) []byte {
	var b = make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// Info describes a WAV/RF64 file's header, as reported by Read.
type Info struct {
	Channels   int
	SampleRate int
	Frames     int64
	RF64       bool
}

// Read parses just the header of a WAV or RF64 file at path, reporting its
// format and frame count without reading the sample data.
func Read(path string) (Info, error) {
	var f, err = os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("wavio: open %s: %w", path, err)
	}
	defer f.Close()

	var info, _, _, err2 = readHeader(f)
	return info, err2
}

// ReadAllFrames reads a whole WAV/RF64 file's interleaved float32 samples
// into memory (frame-major, matching Writer.WriteFrames), alongside its
// Info. Intended for round-trip tests on modest-sized files, not for the
// multi-gigabyte outputs the RF64 path exists for.
func ReadAllFrames(path string) ([]float32, Info, error) {
	var f, err = os.Open(path)
	if err != nil {
		return nil, Info{}, fmt.Errorf("wavio: open %s: %w", path, err)
	}
	defer f.Close()

	var info, dataOffset, dataSize, herr = readHeader(f)
	if herr != nil {
		return nil, Info{}, herr
	}

	var raw = make([]byte, dataSize)
	if _, err := f.ReadAt(raw, dataOffset); err != nil {
		return nil, Info{}, fmt.Errorf("wavio: read data chunk: %w", err)
	}

	var samples = make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return samples, info, nil
}

// DataChunkOffset parses f's header from the start of the file and returns
// Info plus the data chunk's byte offset and size, for callers (the
// streaming subsystem) that need to seek directly into PCM data without
// re-opening the file.
func DataChunkOffset(f *os.File) (Info, int64, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Info{}, 0, 0, err
	}
	return readHeader(f)
}

// readHeader parses the RIFF/RF64 header starting at f's current position
// (must be 0), returning Info plus the data chunk's byte offset and size.
func readHeader(f *os.File) (Info, int64, int64, error) {
	var riffID [4]byte
	if _, err := io.ReadFull(f, riffID[:]); err != nil {
		return Info{}, 0, 0, fmt.Errorf("wavio: read RIFF id: %w", err)
	}

	var rf64 bool
	switch string(riffID[:]) {
	case "RIFF":
		rf64 = false
	case "RF64":
		rf64 = true
	default:
		return Info{}, 0, 0, fmt.Errorf("wavio: not a RIFF/RF64 file")
	}

	if _, err := f.Seek(4, io.SeekCurrent); err != nil { // skip RIFF size field
		return Info{}, 0, 0, err
	}
	var waveID [4]byte
	if _, err := io.ReadFull(f, waveID[:]); err != nil || string(waveID[:]) != "WAVE" {
		return Info{}, 0, 0, fmt.Errorf("wavio: not a WAVE file")
	}

	var info = Info{RF64: rf64}
	var ds64Frames int64
	var dataBytes uint32
	var dataOffset, dataSize int64
	var sawDs64, sawFmt, sawData bool

	for {
		var pos, perr = f.Seek(0, io.SeekCurrent)
		if perr != nil {
			return Info{}, 0, 0, perr
		}

		var id [4]byte
		var n, err = io.ReadFull(f, id[:])
		if err == io.EOF || n == 0 {
			break
		}
		if err != nil {
			return Info{}, 0, 0, fmt.Errorf("wavio: read chunk id: %w", err)
		}

		var sizeBuf [4]byte
		if _, err := io.ReadFull(f, sizeBuf[:]); err != nil {
			return Info{}, 0, 0, fmt.Errorf("wavio: read chunk size: %w", err)
		}
		var size = binary.LittleEndian.Uint32(sizeBuf[:])

		switch string(id[:]) {
		case "ds64":
			var payload = make([]byte, ds64ChunkSize)
			if _, err := io.ReadFull(f, payload); err != nil {
				return Info{}, 0, 0, fmt.Errorf("wavio: read ds64: %w", err)
			}
			var dataSize64 = binary.LittleEndian.Uint64(payload[8:16])
			var sampleCount = binary.LittleEndian.Uint64(payload[16:24])
			ds64Frames = int64(sampleCount)
			dataSize = int64(dataSize64)
			sawDs64 = true
			if size > ds64ChunkSize {
				if _, err := f.Seek(int64(size-ds64ChunkSize), io.SeekCurrent); err != nil {
					return Info{}, 0, 0, err
				}
			}
		case "fmt ":
			var payload = make([]byte, size)
			if _, err := io.ReadFull(f, payload); err != nil {
				return Info{}, 0, 0, fmt.Errorf("wavio: read fmt: %w", err)
			}
			info.Channels = int(binary.LittleEndian.Uint16(payload[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(payload[4:8]))
			sawFmt = true
		case "data":
			dataBytes = size
			dataOffset = pos + 8
			sawData = true
			if size != 0xFFFFFFFF {
				if !sawDs64 {
					dataSize = int64(size)
				}
				if _, err := f.Seek(int64(size), io.SeekCurrent); err != nil {
					return Info{}, 0, 0, err
				}
			}
			// When size is 0xFFFFFFFF, the real size lives in ds64 (read
			// earlier, since ds64 always precedes data in this layout);
			// there is nothing more to parse for header purposes.
			if size == 0xFFFFFFFF {
				goto done
			}
		default:
			if size%2 == 1 {
				size++ // chunks are word-aligned
			}
			if _, err := f.Seek(int64(size), io.SeekCurrent); err != nil {
				return Info{}, 0, 0, err
			}
		}

		if sawFmt && sawData {
			break
		}
	}

done:
	if !sawFmt {
		return Info{}, 0, 0, fmt.Errorf("wavio: no fmt chunk")
	}
	if !sawData {
		return Info{}, 0, 0, fmt.Errorf("wavio: no data chunk")
	}

	if sawDs64 {
		info.Frames = ds64Frames
	} else {
		info.Frames = int64(dataBytes) / int64(info.Channels*4)
	}

	return info, dataOffset, dataSize, nil
}
