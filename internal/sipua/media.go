package sipua

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/icejuk/sipeksdk/internal/confbridge"
	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/media"
)

// filePort is a player or recorder attached to the bridge.
type filePort struct {
	port   engine.Port
	cancel context.CancelFunc // player only
	rec    *media.Recorder    // recorder only
	done   chan struct{}
}

func (f *filePort) close() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
	if f.rec != nil {
		f.rec.Close()
	}
}

// ConnectPort makes audio flow from src to dst on the bridge.
func (e *Engine) ConnectPort(src, dst engine.Port) error {
	if err := e.bridgeReady("connect_port"); err != nil {
		return err
	}
	if err := e.bridge.Connect(src, dst); err != nil {
		return bridgeError("connect_port", err)
	}
	return nil
}

// DisconnectPort stops audio flowing from src to dst.
func (e *Engine) DisconnectPort(src, dst engine.Port) error {
	if err := e.bridgeReady("disconnect_port"); err != nil {
		return err
	}
	if err := e.bridge.Disconnect(src, dst); err != nil {
		return bridgeError("disconnect_port", err)
	}
	return nil
}

func (e *Engine) bridgeReady(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requireStarted(op)
}

func bridgeError(op string, err error) error {
	if errors.Is(err, confbridge.ErrUnknownPort) {
		return engine.Invalid(op, "%v", err)
	}
	return engine.Rejected(op, engine.StatusInternalServerError, err)
}

func (e *Engine) filePortsLocked() int {
	return len(e.players) + len(e.recorders)
}

// CreatePlayer attaches a looping WAV player to the bridge and returns its
// port. Connect it to a call port to play the file into the call.
func (e *Engine) CreatePlayer(file string) (engine.Port, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireStarted("create_player"); err != nil {
		return engine.InvalidPort, err
	}
	if e.filePortsLocked() >= e.cfg.MaxFilePorts {
		return engine.InvalidPort, engine.Rejected("create_player", engine.StatusInternalServerError,
			fmt.Errorf("file port limit %d reached", e.cfg.MaxFilePorts))
	}
	player, err := media.OpenPlayer(file)
	if err != nil {
		return engine.InvalidPort, engine.Invalid("create_player", "%v", err)
	}
	port, err := e.bridge.Add(confbridge.KindPlayer, filepath.Base(file), nil)
	if err != nil {
		return engine.InvalidPort, engine.Rejected("create_player", engine.StatusInternalServerError, err)
	}

	ctx, cancel := context.WithCancel(e.ctx)
	f := &filePort{port: port, cancel: cancel, done: make(chan struct{})}
	e.players[port] = f
	go func() {
		defer close(f.done)
		player.Run(ctx, func(pcm []byte) {
			e.bridge.Forward(port, pcm)
		})
	}()

	e.logger.Info("player created", "port", port, "file", file, "duration", player.Duration())
	return port, nil
}

// CreateRecorder attaches a WAV recorder to the bridge and returns its
// port. Audio connected into the port is written to file until the engine
// closes.
func (e *Engine) CreateRecorder(file string) (engine.Port, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireStarted("create_recorder"); err != nil {
		return engine.InvalidPort, err
	}
	if e.filePortsLocked() >= e.cfg.MaxFilePorts {
		return engine.InvalidPort, engine.Rejected("create_recorder", engine.StatusInternalServerError,
			fmt.Errorf("file port limit %d reached", e.cfg.MaxFilePorts))
	}
	rec, err := media.NewRecorder(file, e.logger)
	if err != nil {
		return engine.InvalidPort, engine.Invalid("create_recorder", "%v", err)
	}
	port, err := e.bridge.Add(confbridge.KindRecorder, filepath.Base(file), confbridge.SinkFunc(func(_ engine.Port, frame []byte) {
		rec.WriteFrame(frame)
	}))
	if err != nil {
		rec.Close()
		return engine.InvalidPort, engine.Rejected("create_recorder", engine.StatusInternalServerError, err)
	}

	e.recorders[port] = &filePort{port: port, rec: rec}
	e.logger.Info("recorder created", "port", port, "file", file)
	return port, nil
}
