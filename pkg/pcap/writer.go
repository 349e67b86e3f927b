package pcap

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	core "LBTrafficGuard/internal/core/model"

	"github.com/charmbracelet/log"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const defaultSnapLen = 65535

// Writer writes raw frames to a pcap stream.
type Writer struct {
	w *pcapgo.Writer
}

// NewWriter writes the file header for linkType to w and returns a Writer.
func NewWriter(w io.Writer, linkType layers.LinkType) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(defaultSnapLen, linkType); err != nil {
		return nil, fmt.Errorf("failed to write pcap file header: %w", err)
	}
	return &Writer{w: pw}, nil
}

// WritePacket appends one frame.
func (w *Writer) WritePacket(p core.RawPacket) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     p.Timestamp,
		CaptureLength: len(p.Data),
		Length:        len(p.Data),
	}
	return w.w.WritePacket(ci, p.Data)
}

// Recorder persists frames to a timestamped pcap file from a background
// goroutine. Enqueue never blocks; frames that do not fit are dropped and counted.
type Recorder struct {
	file    *os.File
	writer  *Writer
	packets chan core.RawPacket
	dropped atomic.Uint64
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRecorder creates dir if needed and starts recording into a new file.
func NewRecorder(dir string, linkType layers.LinkType, bufferSize int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	path := filepath.Join(dir, time.Now().Format("2006-01-02_15-04-05")+".pcap")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}
	w, err := NewWriter(f, linkType)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &Recorder{file: f, writer: w, packets: make(chan core.RawPacket, bufferSize)}
	r.wg.Add(1)
	go r.run()
	log.Info("Recording packets", "file", path)
	return r, nil
}

// Path returns the file being written.
func (r *Recorder) Path() string {
	return r.file.Name()
}

// pcap writing stays single-threaded so frames keep their order.
func (r *Recorder) run() {
	defer r.wg.Done()
	for p := range r.packets {
		if err := r.writer.WritePacket(p); err != nil {
			log.Error("Failed to record packet", "err", err)
		}
	}
}

// Enqueue queues a frame for writing.
func (r *Recorder) Enqueue(p core.RawPacket) {
	select {
	case r.packets <- p:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of frames dropped because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close drains the queue and closes the file. Enqueue must not be called
// after Close.
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		close(r.packets)
		r.wg.Wait()
		err = r.file.Close()
		log.Info("Recorder stopped", "file", r.file.Name(), "dropped", r.dropped.Load())
	})
	return err
}
