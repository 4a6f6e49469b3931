// Package frame implements the command channel's outer message envelope:
// the version header, optional AES-256-CBC encryption with DEFLATE
// compression, and HMAC-MD5 authentication, wrapped around a wire.Table.
package frame

import (
	"bytes"
	"compress/flate"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nominum/ccchannel/internal/ccerr"
	"github.com/nominum/ccchannel/internal/wire"
	"lukechampine.com/frand"
)

// Version is the only recognized command channel wire version.
const Version uint32 = 0x01

const aesBlockSize = 16

// sigLen is the length in bytes of the truncated base64 HMAC-MD5 signature
// carried in the _auth block (22 base64 characters for a 16-byte digest,
// with the standard encoding's two '=' padding characters stripped).
const sigLen = 22

// authPrefixLen is the fixed byte length of the encoded {_auth:{hmd5:...}}
// table up to (but not including) the signature bytes.
const authPrefixLen = 21

// authTotalLen is authPrefixLen plus the signature.
const authTotalLen = authPrefixLen + sigLen

// authFixedPrefix is the constant encoding of {_auth:{hmd5:<22-byte blob>}}
// up to the start of the signature bytes, built by ordinary table encoding
// so it can never drift from the codec that produces real _auth blocks.
var authFixedPrefix = buildAuthFixedPrefix()

func buildAuthFixedPrefix() []byte {
	probe := wire.NewTable()
	inner := wire.NewTable()
	inner.Set("hmd5", wire.Blob(make([]byte, sigLen)))
	probe.Set("_auth", inner)
	encoded, err := wire.EncodeTable(probe)
	if err != nil {
		panic(fmt.Sprintf("frame: building auth fixed prefix: %v", err))
	}
	if len(encoded) != authTotalLen {
		panic(fmt.Sprintf("frame: auth fixed prefix length %d, want %d", len(encoded), authTotalLen))
	}
	return encoded[:authPrefixLen]
}

// DeriveKey turns an arbitrary shared secret into the 32-byte AES-256 key
// used to encrypt and decrypt message bodies.
func DeriveKey(secret []byte) [32]byte {
	return sha256.Sum256(secret)
}

func sign(secret, payload []byte) string {
	h := hmac.New(md5.New, secret)
	h.Write(payload)
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}

// EncodeMessage renders t as a complete outer command channel message:
// u32 total_length | u32 version | body, optionally encrypted (and
// compressed) and/or signed with secret.
//
// t's _ctrl table drives the envelope: a non-empty _ctrl._enc requests
// encryption, and _ctrl._comp (consumed here, never placed on the wire)
// additionally requests compression. Any _auth entry already in t is
// removed before encoding.
func EncodeMessage(t *wire.Table, secret []byte) ([]byte, error) {
	t.Delete("_auth")

	ctrl, _ := t.GetTable("_ctrl")
	wantCompress := false
	wantEncrypt := false
	if ctrl != nil {
		if _, ok := ctrl.Get("_comp"); ok {
			wantCompress = true
			ctrl.Delete("_comp")
		}
		if _, ok := ctrl.Get("_enc"); ok {
			wantEncrypt = true
		}
	}

	body, err := wire.EncodeTable(t)
	if err != nil {
		return nil, err
	}

	if wantEncrypt {
		if secret == nil {
			return nil, ccerr.ErrNeedSecret
		}

		fieldName := "_aes256"
		bodyToSeal := body
		if wantCompress {
			fieldName = "_aes256z"
			bodyToSeal, err = deflate(body)
			if err != nil {
				return nil, err
			}
		}
		plain := make([]byte, 4+len(bodyToSeal))
		binary.BigEndian.PutUint32(plain, uint32(len(body)))
		copy(plain[4:], bodyToSeal)

		key := DeriveKey(secret)
		ciphertext, err := encryptAES256CBC(key, plain)
		if err != nil {
			return nil, err
		}

		wrapper := wire.NewTable()
		wrapper.Set(fieldName, wire.Blob(ciphertext))
		body, err = wire.EncodeTable(wrapper)
		if err != nil {
			return nil, err
		}
	}

	var out []byte
	if secret != nil {
		sig := sign(secret, body)
		if len(sig) != sigLen {
			return nil, fmt.Errorf("%w: signature length %d, want %d", ccerr.ErrBadSyntax, len(sig), sigLen)
		}
		out = append(out, authFixedPrefix...)
		out = append(out, sig...)
	}
	out = append(out, body...)

	if uint64(len(out)) > wire.MaxWireSize {
		return nil, ccerr.ErrMessageTooBig
	}

	versioned := make([]byte, 4, 4+len(out))
	binary.BigEndian.PutUint32(versioned, Version)
	versioned = append(versioned, out...)

	framed := make([]byte, 4, 4+len(versioned))
	binary.BigEndian.PutUint32(framed, uint32(len(versioned)))
	framed = append(framed, versioned...)

	return framed, nil
}

// DecodeMessage parses the body that follows a message's u32 total_length
// prefix: the u32 version and the (possibly signed and encrypted) table.
// secret may be nil if no shared secret is configured for this peer.
func DecodeMessage(body []byte, secret []byte) (*wire.Table, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: message version", ccerr.ErrUnexpectedEnd)
	}
	version := binary.BigEndian.Uint32(body[:4])
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ccerr.ErrBadVersion, version)
	}
	rest := body[4:]

	outer, err := wire.DecodeTable(rest)
	if err != nil {
		return nil, err
	}

	_, hasAuth := outer.Get("_auth")
	if err := basicSyntaxChecks(outer, true); err != nil {
		return nil, err
	}

	if secret != nil || hasAuth {
		if secret == nil || !hasAuth {
			return nil, fmt.Errorf("%w: signature mismatch", ccerr.ErrBadAuth)
		}
		if len(rest) < authTotalLen {
			return nil, fmt.Errorf("%w: encrypted message too short", ccerr.ErrUnexpectedEnd)
		}
		gotPrefix := rest[:authPrefixLen]
		gotSig := rest[authPrefixLen:authTotalLen]
		payload := rest[authTotalLen:]

		if !bytes.Equal(gotPrefix, authFixedPrefix) {
			return nil, fmt.Errorf("%w: unknown auth mechanism", ccerr.ErrBadAuth)
		}
		wantSig := sign(secret, payload)
		if !hmac.Equal([]byte(wantSig), gotSig) {
			return nil, fmt.Errorf("%w: signature mismatch", ccerr.ErrBadAuth)
		}
	}

	aes256z, hasZ := outer.GetBlob("_aes256z")
	aes256, hasPlain := outer.GetBlob("_aes256")
	if !hasZ && !hasPlain {
		if ctrl, ok := outer.GetTable("_ctrl"); ok {
			ctrl.Delete("_enc")
		}
		return outer, nil
	}

	if secret == nil {
		return nil, ccerr.ErrNeedSecret
	}

	var encrypted []byte
	compressed := hasZ
	if hasZ {
		encrypted = aes256z
	} else {
		encrypted = aes256
	}

	if len(encrypted)%aesBlockSize != 0 {
		return nil, fmt.Errorf("%w: encrypted input is not a multiple of the AES block size", ccerr.ErrBadForm)
	}

	key := DeriveKey(secret)
	decrypted, err := decryptAES256CBC(key, encrypted)
	if err != nil {
		return nil, err
	}
	if len(decrypted) < 4 {
		return nil, fmt.Errorf("%w: inner message length prefix", ccerr.ErrUnexpectedEnd)
	}
	innerLen := binary.BigEndian.Uint32(decrypted[:4])
	plain := decrypted[4:]
	if compressed {
		plain, err = inflate(plain)
		if err != nil {
			return nil, err
		}
	}
	if uint64(innerLen) > uint64(len(plain)) {
		return nil, fmt.Errorf("%w: inner message too short", ccerr.ErrUnexpectedEnd)
	}
	plain = plain[:innerLen]

	inner, err := wire.DecodeTable(plain)
	if err != nil {
		return nil, err
	}
	if err := basicSyntaxChecks(inner, false); err != nil {
		return nil, err
	}

	ctrl, ok := inner.GetTable("_ctrl")
	if !ok {
		ctrl = wire.NewTable()
		inner.Set("_ctrl", ctrl)
	}
	ctrl.SetString("_enc", "1")

	return inner, nil
}

// basicSyntaxChecks enforces the structural invariants every decoded
// message must satisfy, per the protocol's basic form checks. When
// maybeEncrypted is true and the table still carries an encrypted body
// (_aes256/_aes256z), the _ctrl/_data checks are deferred to the inner
// table produced after decryption.
func basicSyntaxChecks(t *wire.Table, maybeEncrypted bool) error {
	_, hasZ := t.Get("_aes256z")
	_, hasPlain := t.Get("_aes256")
	encrypted := maybeEncrypted && (hasZ || hasPlain)

	if !encrypted {
		ctrl, ok := t.Get("_ctrl")
		if !ok {
			return fmt.Errorf("%w: _ctrl must be present", ccerr.ErrBadForm)
		}
		if _, ok := ctrl.(*wire.Table); !ok {
			return fmt.Errorf("%w: _ctrl must be a table", ccerr.ErrBadForm)
		}

		data, ok := t.Get("_data")
		if !ok {
			return fmt.Errorf("%w: _data must be present", ccerr.ErrBadForm)
		}
		dataTable, ok := data.(*wire.Table)
		if !ok {
			return fmt.Errorf("%w: _data must be a table", ccerr.ErrBadForm)
		}

		typ, ok := dataTable.Get("type")
		if !ok {
			return fmt.Errorf("%w: type must be present in _data", ccerr.ErrBadForm)
		}
		if _, ok := typ.(wire.Blob); !ok {
			return fmt.Errorf("%w: type must be a string", ccerr.ErrBadForm)
		}

		if errVal, ok := dataTable.Get("err"); ok {
			if _, ok := errVal.(wire.Blob); !ok {
				return fmt.Errorf("%w: err must be a string", ccerr.ErrBadForm)
			}
		}
	}

	if auth, ok := t.Get("_auth"); ok {
		if _, ok := auth.(*wire.Table); !ok {
			return fmt.Errorf("%w: _auth must be a table", ccerr.ErrBadForm)
		}
	}

	return nil
}

func encryptAES256CBC(key [32]byte, plain []byte) ([]byte, error) {
	padded := plain
	if rem := len(padded) % aesBlockSize; rem != 0 {
		padded = append(padded, make([]byte, aesBlockSize-rem)...)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aesBlockSize)
	frand.Read(iv)

	out := make([]byte, aesBlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aesBlockSize:], padded)
	return out, nil
}

func decryptAES256CBC(key [32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aesBlockSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than IV", ccerr.ErrUnexpectedEnd)
	}
	iv := ciphertext[:aesBlockSize]
	body := ciphertext[aesBlockSize:]

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)
	return plain, nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ccerr.ErrBadForm, err)
	}
	return out, nil
}
