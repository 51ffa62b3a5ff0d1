package app

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"wormhole/internal/crypto"
	"wormhole/internal/domain"
	"wormhole/internal/services/session"
	"wormhole/internal/services/transit"
)

const (
	phaseOffer  = domain.Phase("offer")
	phaseAnswer = domain.Phase("answer")

	closeTimeout = 5 * time.Second
)

var (
	// ErrRejected means the receiver turned the offer down.
	ErrRejected = errors.New("app: transfer rejected")

	// ErrVerificationDeclined means the user did not accept the verifier.
	ErrVerificationDeclined = errors.New("app: verification declined")

	// ErrTransferIncomplete means the file did not arrive whole.
	ErrTransferIncomplete = errors.New("app: transfer incomplete")
)

type fileOffer struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
}

type offer struct {
	Message *string    `json:"message,omitempty"`
	File    *fileOffer `json:"file,omitempty"`
}

type answer struct {
	MessageAck string `json:"message_ack,omitempty"`
	FileAck    string `json:"file_ack,omitempty"`
	Error      string `json:"error,omitempty"`
}

// transferAck is the last thing sent over transit, by the receiver.
type transferAck struct {
	Ack    string `json:"ack"`
	SHA256 string `json:"sha256"`
}

// App runs text and file transfers on top of a Wire.
type App struct {
	w   *Wire
	log *logging.Logger
}

// New returns an App using w.
func New(w *Wire) *App {
	return &App{w: w, log: w.Logger("app")}
}

// SendRequest describes what to send. Either Text or File is used.
type SendRequest struct {
	// Code to use; empty allocates one.
	Code string
	Text string

	File     io.Reader
	FileName string
	FileSize int64

	// OnCode is called with the code as soon as it is known.
	OnCode func(code string)

	// Confirm is shown the verifier when Config.Verify is set and must
	// return true for the transfer to go ahead.
	Confirm func(verifier string) bool
}

// ReceiveRequest describes how to receive.
type ReceiveRequest struct {
	Code    string
	Confirm func(verifier string) bool

	// AcceptFile decides where an offered file goes. A nil AcceptFile or an
	// error declines the file.
	AcceptFile func(name string, size int64) (io.WriteCloser, error)
}

// Received is what arrived.
type Received struct {
	Text     string
	FileName string
	FileSize int64
}

func (a *App) close(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		a.log.Debugf("Close: %v", err)
	}
}

func (a *App) verify(s *session.Session, confirm func(string) bool) error {
	if !a.w.Config.Verify || confirm == nil {
		return nil
	}
	v, err := s.Verifier()
	if err != nil {
		return err
	}
	if !confirm(crypto.FormatVerifier(v)) {
		return ErrVerificationDeclined
	}
	return nil
}

func sendJSON(ctx context.Context, s *session.Session, phase domain.Phase, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(ctx, phase, b)
}

// Send opens a wormhole, waits for the receiver and delivers req.
func (a *App) Send(ctx context.Context, req SendRequest) error {
	s, err := a.w.OpenSession(ctx, req.Code)
	if err != nil {
		return err
	}
	defer a.close(s)
	if req.OnCode != nil {
		req.OnCode(s.Code())
	}

	if err := s.WaitReady(ctx); err != nil {
		return err
	}
	if err := a.verify(s, req.Confirm); err != nil {
		return err
	}

	var o offer
	if req.File != nil {
		o.File = &fileOffer{Filename: filepath.Base(req.FileName), Filesize: req.FileSize}
	} else {
		o.Message = &req.Text
	}
	if err := sendJSON(ctx, s, phaseOffer, o); err != nil {
		return err
	}

	ans, err := a.awaitAnswer(ctx, s)
	if err != nil {
		return err
	}
	if ans.Error != "" {
		return fmt.Errorf("%w: %s", ErrRejected, ans.Error)
	}
	if req.File == nil {
		if ans.MessageAck != "ok" {
			return fmt.Errorf("app: unexpected answer %+v", ans)
		}
		a.log.Noticef("Text message sent")
		return nil
	}
	if ans.FileAck != "ok" {
		return fmt.Errorf("app: unexpected answer %+v", ans)
	}
	return a.sendFile(ctx, s, req)
}

func (a *App) awaitAnswer(ctx context.Context, s *session.Session) (*answer, error) {
	for {
		phase, body, err := s.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if phase != phaseAnswer {
			a.log.Warningf("Ignoring unexpected phase %q", phase)
			continue
		}
		var ans answer
		if err := json.Unmarshal(body, &ans); err != nil {
			return nil, fmt.Errorf("app: malformed answer: %w", err)
		}
		return &ans, nil
	}
}

func (a *App) sendFile(ctx context.Context, s *session.Session, req SendRequest) error {
	tc, err := a.w.TransitConfig()
	if err != nil {
		return err
	}
	conn, err := transit.Establish(ctx, s, tc)
	if err != nil {
		return err
	}
	defer conn.Close()

	ev := a.w.Timing.Add("send file").Detail("via", string(conn.Hint.Type))
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(conn, h), io.LimitReader(req.File, req.FileSize))
	if err != nil {
		return fmt.Errorf("app: sending file: %w", err)
	}
	if n != req.FileSize {
		return fmt.Errorf("%w: read %d of %d bytes", ErrTransferIncomplete, n, req.FileSize)
	}

	b, err := io.ReadAll(io.LimitReader(conn, 1024))
	if err != nil {
		return fmt.Errorf("app: waiting for receipt: %w", err)
	}
	var ack transferAck
	if err := json.Unmarshal(b, &ack); err != nil {
		return fmt.Errorf("app: malformed receipt: %w", err)
	}
	want := hex.EncodeToString(h.Sum(nil))
	if ack.Ack != "ok" || subtle.ConstantTimeCompare([]byte(ack.SHA256), []byte(want)) != 1 {
		return fmt.Errorf("%w: receiver hash mismatch", ErrTransferIncomplete)
	}
	ev.Finish()
	a.log.Noticef("File sent (%d bytes)", n)
	return nil
}

// Receive joins the wormhole named by req.Code and takes whatever the
// sender offers.
func (a *App) Receive(ctx context.Context, req ReceiveRequest) (*Received, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, &domain.KeyFormatError{Reason: "code is empty"}
	}
	s, err := a.w.OpenSession(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	defer a.close(s)

	if err := s.WaitReady(ctx); err != nil {
		return nil, err
	}
	if err := a.verify(s, req.Confirm); err != nil {
		return nil, err
	}

	var o offer
	for {
		phase, body, err := s.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if phase != phaseOffer {
			a.log.Warningf("Ignoring unexpected phase %q", phase)
			continue
		}
		if err := json.Unmarshal(body, &o); err != nil {
			_ = sendJSON(ctx, s, phaseAnswer, answer{Error: "malformed offer"})
			return nil, fmt.Errorf("app: malformed offer: %w", err)
		}
		break
	}

	switch {
	case o.Message != nil:
		if err := sendJSON(ctx, s, phaseAnswer, answer{MessageAck: "ok"}); err != nil {
			return nil, err
		}
		return &Received{Text: *o.Message}, nil

	case o.File != nil:
		return a.receiveFile(ctx, s, o.File, req.AcceptFile)
	}
	_ = sendJSON(ctx, s, phaseAnswer, answer{Error: "unknown offer type"})
	return nil, errors.New("app: unknown offer type")
}

func (a *App) receiveFile(ctx context.Context, s *session.Session, fo *fileOffer, accept func(string, int64) (io.WriteCloser, error)) (*Received, error) {
	name := filepath.Base(filepath.Clean("/" + fo.Filename))
	if name == "/" || name == "." || fo.Filesize < 0 {
		_ = sendJSON(ctx, s, phaseAnswer, answer{Error: "bad file offer"})
		return nil, fmt.Errorf("app: bad file offer %q", fo.Filename)
	}
	if accept == nil {
		_ = sendJSON(ctx, s, phaseAnswer, answer{Error: "transfer rejected"})
		return nil, fmt.Errorf("%w: files are not accepted", ErrRejected)
	}
	w, err := accept(name, fo.Filesize)
	if err != nil {
		_ = sendJSON(ctx, s, phaseAnswer, answer{Error: "transfer rejected"})
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	defer w.Close()

	if err := sendJSON(ctx, s, phaseAnswer, answer{FileAck: "ok"}); err != nil {
		return nil, err
	}
	tc, err := a.w.TransitConfig()
	if err != nil {
		return nil, err
	}
	conn, err := transit.Establish(ctx, s, tc)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ev := a.w.Timing.Add("receive file").Detail("via", string(conn.Hint.Type))
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), io.LimitReader(conn, fo.Filesize))
	if err != nil {
		return nil, fmt.Errorf("app: receiving file: %w", err)
	}
	if n != fo.Filesize {
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrTransferIncomplete, n, fo.Filesize)
	}
	ack, err := json.Marshal(transferAck{Ack: "ok", SHA256: hex.EncodeToString(h.Sum(nil))})
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(ack); err != nil {
		return nil, fmt.Errorf("app: sending receipt: %w", err)
	}
	ev.Finish()
	a.log.Noticef("File received (%d bytes)", n)
	return &Received{FileName: name, FileSize: n}, nil
}
