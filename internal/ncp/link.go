package ncp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"zigbee-zcl/internal/zcl"
)

const confirmTimeout = 5 * time.Second

// Link is a Transport over a serial port.
type Link struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	seq     atomic.Uint32
	pending map[uint8]chan uint8
	pendMu  sync.Mutex
	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onInd     func(Indication)

	confirmTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the serial port and starts the read loop.
func Open(portName string, baudRate int, logger *slog.Logger) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("ncp: open %s: %w", portName, err)
	}

	// USB CDC ACM: assert DTR/RTS for the co-processor firmware.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return NewLink(port, logger), nil
}

// NewLink runs the link protocol over an already open byte stream.
func NewLink(port io.ReadWriteCloser, logger *slog.Logger) *Link {
	l := &Link{
		port:           port,
		reader:         bufio.NewReader(port),
		logger:         logger.With("component", "ncp"),
		pending:        make(map[uint8]chan uint8),
		confirmTimeout: confirmTimeout,
		done:           make(chan struct{}),
	}
	l.wg.Add(1)
	go l.readLoop()
	return l
}

func (l *Link) OnIndication(handler func(Indication)) {
	l.handlerMu.Lock()
	l.onInd = handler
	l.handlerMu.Unlock()
}

func (l *Link) nextSeq() uint8 {
	return uint8(l.seq.Add(1))
}

// SendFrame writes an APS data request and waits for its confirm.
func (l *Link) SendFrame(ctx context.Context, f zcl.OutgoingFrame) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	seq := l.nextSeq()
	ch := make(chan uint8, 1)
	l.pendMu.Lock()
	l.pending[seq] = ch
	l.pendMu.Unlock()
	defer func() {
		l.pendMu.Lock()
		delete(l.pending, seq)
		l.pendMu.Unlock()
	}()

	raw := hdlcEncode(zcl.Marshal(&dataRequest{seq: seq, frame: f}))
	l.writeMu.Lock()
	_, err := l.port.Write(raw)
	l.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("ncp: serial write: %w", err)
	}
	l.logger.Debug("data request",
		"seq", seq,
		"cluster", fmt.Sprintf("0x%04X", f.ClusterID),
		"len", len(f.Data))

	timer := time.NewTimer(l.confirmTimeout)
	defer timer.Stop()
	select {
	case status, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if status != 0 {
			return &ConfirmError{Status: status}
		}
		return nil
	case <-timer.C:
		l.logger.Warn("data confirm timeout", "seq", seq)
		return fmt.Errorf("ncp: data confirm timeout for seq %d", seq)
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

func (l *Link) readLoop() {
	defer l.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-l.done:
			return
		default:
		}

		inner, err := readHDLCFrame(l.reader)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				if err != io.EOF && !strings.Contains(err.Error(), "closed") {
					l.logger.Error("read error", "err", err)
				}
				select {
				case <-time.After(backoff):
				case <-l.done:
					return
				}
				backoff = min(backoff*2, maxBackoff)
				continue
			}
		}
		backoff = 10 * time.Millisecond

		body, err := hdlcDecode(inner)
		if err != nil {
			l.logger.Warn("frame dropped", "err", err)
			continue
		}
		l.handleFrame(body)
	}
}

func (l *Link) handleFrame(body []byte) {
	r := zcl.NewReader(body)
	typ := r.Uint8()
	seq := r.Uint8()
	if r.Err() != nil {
		l.logger.Warn("frame too short", "len", len(body))
		return
	}

	switch typ {
	case frameDataConfirm:
		status := r.Uint8()
		if r.Err() != nil {
			l.logger.Warn("short data confirm", "seq", seq)
			return
		}
		l.pendMu.Lock()
		ch, ok := l.pending[seq]
		l.pendMu.Unlock()
		if !ok {
			l.logger.Warn("orphaned data confirm", "seq", seq, "status", status)
			return
		}
		select {
		case ch <- status:
		default:
		}

	case frameDataIndication:
		ind, err := decodeIndication(r)
		if err != nil {
			l.logger.Warn("bad data indication", "err", err)
			return
		}
		l.logger.Debug("data indication",
			"src", fmt.Sprintf("0x%04X", ind.Frame.SrcAddr),
			"cluster", fmt.Sprintf("0x%04X", ind.Frame.ClusterID),
			"len", len(ind.ASDU))
		l.handlerMu.RLock()
		h := l.onInd
		l.handlerMu.RUnlock()
		if h != nil {
			h(ind)
		}

	default:
		l.logger.Debug("unknown frame type", "type", fmt.Sprintf("0x%02X", typ))
	}
}

// Close stops the read loop and fails pending sends.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
		l.wg.Wait()

		l.pendMu.Lock()
		for seq, ch := range l.pending {
			close(ch)
			delete(l.pending, seq)
		}
		l.pendMu.Unlock()
	})
	return err
}
