package voice

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	ModeAEADXChaCha20Poly1305 = "aead_xchacha20_poly1305_rtpsize"
	ModeXSalsa20Poly1305Lite  = "xsalsa20_poly1305_lite"
	ModeXSalsa20Poly1305      = "xsalsa20_poly1305"
)

// modePreference orders supported encryption modes strongest first; mode
// selection walks it in order so the choice is deterministic for a given
// server offer.
var modePreference = []string{
	ModeAEADXChaCha20Poly1305,
	ModeXSalsa20Poly1305Lite,
	ModeXSalsa20Poly1305,
}

var (
	ErrNoCommonMode = errors.New("voice: no supported encryption mode offered")
	ErrAuthFailed   = errors.New("voice: packet authentication failed")
	ErrShortPacket  = errors.New("voice: packet too short")
)

// SelectMode picks the strongest mutually supported encryption mode.
func SelectMode(offered []string) (string, error) {
	for _, want := range modePreference {
		for _, got := range offered {
			if got == want {
				return want, nil
			}
		}
	}
	return "", ErrNoCommonMode
}

// Cipher seals outbound RTP payloads into complete datagrams and opens
// inbound datagrams back into plaintext payloads. Implementations own the
// mode-specific nonce construction.
type Cipher interface {
	Seal(header, payload []byte) ([]byte, error)
	Open(packet []byte, headerLen int) ([]byte, error)
}

func NewCipher(mode string, key [32]byte) (Cipher, error) {
	switch mode {
	case ModeAEADXChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return nil, fmt.Errorf("voice: init xchacha20: %w", err)
		}
		return &xchachaCipher{aead: aead}, nil
	case ModeXSalsa20Poly1305Lite:
		return &xsalsaLiteCipher{key: key}, nil
	case ModeXSalsa20Poly1305:
		return &xsalsaCipher{key: key}, nil
	}
	return nil, fmt.Errorf("voice: unsupported encryption mode %q", mode)
}

// xchachaCipher uses the RTP header, zero-padded to 24 bytes, as nonce.
type xchachaCipher struct {
	aead cipher.AEAD
}

func (c *xchachaCipher) Seal(header, payload []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, header)
	packet := make([]byte, len(header), len(header)+len(payload)+c.aead.Overhead())
	copy(packet, header)
	return c.aead.Seal(packet, nonce, payload, nil), nil
}

func (c *xchachaCipher) Open(packet []byte, headerLen int) ([]byte, error) {
	if len(packet) < headerLen+c.aead.Overhead() {
		return nil, ErrShortPacket
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, packet[:headerLen])
	payload, err := c.aead.Open(nil, nonce, packet[headerLen:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return payload, nil
}

// xsalsaLiteCipher uses a 4-byte incrementing counter as nonce; the counter
// travels in clear at the tail of each datagram.
type xsalsaLiteCipher struct {
	key     [32]byte
	counter uint32
}

func (c *xsalsaLiteCipher) Seal(header, payload []byte) ([]byte, error) {
	c.counter++
	var nonce [24]byte
	binary.BigEndian.PutUint32(nonce[:4], c.counter)

	packet := make([]byte, len(header), len(header)+len(payload)+secretbox.Overhead+4)
	copy(packet, header)
	packet = secretbox.Seal(packet, payload, &nonce, &c.key)
	return append(packet, nonce[:4]...), nil
}

func (c *xsalsaLiteCipher) Open(packet []byte, headerLen int) ([]byte, error) {
	if len(packet) < headerLen+secretbox.Overhead+4 {
		return nil, ErrShortPacket
	}
	var nonce [24]byte
	copy(nonce[:4], packet[len(packet)-4:])
	payload, ok := secretbox.Open(nil, packet[headerLen:len(packet)-4], &nonce, &c.key)
	if !ok {
		return nil, ErrAuthFailed
	}
	return payload, nil
}

// xsalsaCipher uses the RTP header, zero-padded to 24 bytes, as nonce.
type xsalsaCipher struct {
	key [32]byte
}

func (c *xsalsaCipher) Seal(header, payload []byte) ([]byte, error) {
	var nonce [24]byte
	copy(nonce[:], header)
	packet := make([]byte, len(header), len(header)+len(payload)+secretbox.Overhead)
	copy(packet, header)
	return secretbox.Seal(packet, payload, &nonce, &c.key), nil
}

func (c *xsalsaCipher) Open(packet []byte, headerLen int) ([]byte, error) {
	if len(packet) < headerLen+secretbox.Overhead {
		return nil, ErrShortPacket
	}
	var nonce [24]byte
	copy(nonce[:], packet[:headerLen])
	payload, ok := secretbox.Open(nil, packet[headerLen:], &nonce, &c.key)
	if !ok {
		return nil, ErrAuthFailed
	}
	return payload, nil
}
