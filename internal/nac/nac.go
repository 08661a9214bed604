package nac

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/Kab1r/rustpush/internal/ids"
	glog "github.com/Kab1r/rustpush/internal/log"
)

// File offsets of the validation routines inside the x86-64 slice.
// The slice is mapped at address zero, so these double as call
// addresses.
const (
	nacInitOffset             = 0xb1db0
	nacKeyEstablishmentOffset = 0xb27d0
	nacSignOffset             = 0xb2a90
)

// Init runs the binary's initialization routine over the identity
// certificate. It returns the opaque validation context pointer and
// the session-info request bytes the identity service expects.
func (h *Harness) Init(cert []byte) (uint64, []byte, error) {
	certAddr := h.Emu.Malloc(uint64(len(cert)))
	if err := h.Emu.MemWrite(certAddr, cert); err != nil {
		return 0, nil, err
	}

	outCtx := h.Emu.Malloc(8)
	outRequest := h.Emu.Malloc(8)
	outRequestLen := h.Emu.Malloc(8)

	ret, err := h.Emu.Call(nacInitOffset,
		certAddr, uint64(len(cert)), outCtx, outRequest, outRequestLen)
	if err != nil {
		return 0, nil, fmt.Errorf("nac: init: %w", err)
	}
	if ret != 0 {
		return 0, nil, fmt.Errorf("nac: init returned %#x", ret)
	}

	vctx, err := h.Emu.MemReadU64(outCtx)
	if err != nil {
		return 0, nil, err
	}
	requestAddr, err := h.Emu.MemReadU64(outRequest)
	if err != nil {
		return 0, nil, err
	}
	requestLen, err := h.Emu.MemReadU64(outRequestLen)
	if err != nil {
		return 0, nil, err
	}
	request, err := h.Emu.MemRead(requestAddr, requestLen)
	if err != nil {
		return 0, nil, err
	}
	return vctx, request, nil
}

// KeyEstablishment feeds the identity service's session-info response
// back into the validation context.
func (h *Harness) KeyEstablishment(vctx uint64, sessionInfo []byte) error {
	respAddr := h.Emu.Malloc(uint64(len(sessionInfo)))
	if err := h.Emu.MemWrite(respAddr, sessionInfo); err != nil {
		return err
	}

	ret, err := h.Emu.Call(nacKeyEstablishmentOffset,
		vctx, respAddr, uint64(len(sessionInfo)))
	if err != nil {
		return fmt.Errorf("nac: key establishment: %w", err)
	}
	if ret != 0 {
		return fmt.Errorf("nac: key establishment returned %#x", ret)
	}
	return nil
}

// Sign produces the raw validation blob from an established context.
func (h *Harness) Sign(vctx uint64) ([]byte, error) {
	outData := h.Emu.Malloc(8)
	outDataLen := h.Emu.Malloc(8)

	ret, err := h.Emu.Call(nacSignOffset, vctx, 0, 0, outData, outDataLen)
	if err != nil {
		return nil, fmt.Errorf("nac: sign: %w", err)
	}
	if ret != 0 {
		return nil, fmt.Errorf("nac: sign returned %#x", ret)
	}

	dataAddr, err := h.Emu.MemReadU64(outData)
	if err != nil {
		return nil, err
	}
	dataLen, err := h.Emu.MemReadU64(outDataLen)
	if err != nil {
		return nil, err
	}
	return h.Emu.MemRead(dataAddr, dataLen)
}

// Generator produces validation data: one fresh harness per call,
// nothing retained between calls.
type Generator struct {
	Relay      ids.Relay
	BinaryPath string
	Log        *glog.Logger
}

// Generate runs one full validation-data generation and returns the
// blob base64-encoded. The context bounds the relay exchanges and the
// binary download; the emulated calls themselves run to completion.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	binary, err := EnsureBinary(ctx, g.BinaryPath)
	if err != nil {
		return "", err
	}
	fixtures, err := LoadFixtures()
	if err != nil {
		return "", err
	}

	cert, err := g.Relay.Certificate(ctx)
	if err != nil {
		return "", fmt.Errorf("nac: fetch certificate: %w", err)
	}

	h, err := NewHarness(binary, fixtures, g.Log)
	if err != nil {
		return "", err
	}
	defer h.Close()

	vctx, request, err := h.Init(cert)
	if err != nil {
		return "", err
	}
	sessionInfo, err := g.Relay.SessionInfo(ctx, request)
	if err != nil {
		return "", fmt.Errorf("nac: session info exchange: %w", err)
	}
	if err := h.KeyEstablishment(vctx, sessionInfo); err != nil {
		return "", err
	}
	blob, err := h.Sign(vctx)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// GenerateValidationData runs a generation with the default relay and
// cache path. This is the surface the registration layer consumes.
func GenerateValidationData(ctx context.Context) (string, error) {
	glog.Init(false)
	path, err := DefaultBinaryPath()
	if err != nil {
		return "", err
	}
	g := &Generator{
		Relay:      ids.NewClient(),
		BinaryPath: path,
		Log:        glog.L,
	}
	return g.Generate(ctx)
}
