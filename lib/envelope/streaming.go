// Copyright 2026 The Darklock Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/anonymous-hidden/darklock-guard-sub000/lib/codec"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/hashing"
	"github.com/anonymous-hidden/darklock-guard-sub000/lib/secret"
)

// Streaming layout for files too large to buffer:
//
//	magic "DLSTR\x01"
//	512-byte reserved header region:
//	    uint32 big-endian header JSON length, header JSON, zero padding
//	per chunk: uint32 big-endian ciphertext length, ciphertext
//	trailer: uint32 big-endian trailer length, canonical JSON chunk
//	    hash list
//
// Chunk nonces are derived (SHA-256 of "key_id:index", truncated), so
// a chunk moved to a different position fails to decrypt. The header
// is written last: its chunk count, total size, total hash, and
// trailer offset are only known after the data pass. Chunk plaintext
// hashes live in the trailer because their size grows with the file
// and cannot fit a fixed header.

var streamingMagic = []byte("DLSTR\x01")

const (
	// DefaultStreamingChunkSize is the plaintext chunk size.
	DefaultStreamingChunkSize = 1 << 20

	streamingHeaderSize = 512
)

// streamingHeader is the fixed-region JSON header.
type streamingHeader struct {
	KeyID         string `json:"key_id"`
	ChunkSize     int64  `json:"chunk_size"`
	ChunkCount    int64  `json:"chunk_count"`
	TotalSize     int64  `json:"total_size"`
	TotalHash     string `json:"total_hash"`
	TrailerOffset int64  `json:"trailer_offset"`
	Cipher        string `json:"cipher"`
}

// chunkNonce derives the deterministic nonce for a chunk.
func chunkNonce(keyID string, index int64) []byte {
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", keyID, index)))
	return digest[:NonceSize]
}

// EncryptFileStreaming encrypts a large file chunk by chunk with
// constant memory. chunkSize <= 0 selects the default. Returns the
// key ID of the fresh DEK.
func (e *Envelope) EncryptFileStreaming(inputPath, outputPath string, chunkSize int64) (string, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultStreamingChunkSize
	}

	input, err := os.Open(inputPath)
	if err != nil {
		return "", fmt.Errorf("envelope: opening %s: %w", inputPath, err)
	}
	defer input.Close()

	// Read-held until the wrapped entry lands in the keystore, so a
	// concurrent rotation cannot retire the KEK this wrap is under.
	e.mu.RLock()
	defer e.mu.RUnlock()

	dek, entry, err := e.generateDEK()
	if err != nil {
		return "", err
	}
	defer secret.Zero(dek)

	aead, err := newAEAD(dek)
	if err != nil {
		return "", err
	}

	temp := outputPath + ".tmp"
	output, err := os.OpenFile(temp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("envelope: creating %s: %w", temp, err)
	}
	defer func() {
		output.Close()
		os.Remove(temp)
	}()

	// Magic plus a zeroed header region; the real header lands here
	// after the data pass.
	if _, err := output.Write(streamingMagic); err != nil {
		return "", fmt.Errorf("envelope: writing magic: %w", err)
	}
	if _, err := output.Write(make([]byte, streamingHeaderSize)); err != nil {
		return "", fmt.Errorf("envelope: reserving header: %w", err)
	}

	totalHash := sha256.New()
	var chunkHashes []string
	var totalSize int64
	buffer := make([]byte, chunkSize)
	lengthPrefix := make([]byte, 4)

	for index := int64(0); ; index++ {
		n, readErr := io.ReadFull(input, buffer)
		if n > 0 {
			chunk := buffer[:n]
			totalHash.Write(chunk)
			chunkHashes = append(chunkHashes, hashing.HashBytes(chunk))
			totalSize += int64(n)

			ciphertext := aead.Seal(nil, chunkNonce(entry.KeyID, index), chunk, nil)
			binary.BigEndian.PutUint32(lengthPrefix, uint32(len(ciphertext)))
			if _, err := output.Write(lengthPrefix); err != nil {
				return "", fmt.Errorf("envelope: writing chunk length: %w", err)
			}
			if _, err := output.Write(ciphertext); err != nil {
				return "", fmt.Errorf("envelope: writing chunk: %w", err)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("envelope: reading %s: %w", inputPath, readErr)
		}
	}

	trailerOffset, err := output.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("envelope: locating trailer: %w", err)
	}
	trailer, err := codec.CanonicalJSON(chunkHashes)
	if err != nil {
		return "", err
	}
	binary.BigEndian.PutUint32(lengthPrefix, uint32(len(trailer)))
	if _, err := output.Write(lengthPrefix); err != nil {
		return "", fmt.Errorf("envelope: writing trailer length: %w", err)
	}
	if _, err := output.Write(trailer); err != nil {
		return "", fmt.Errorf("envelope: writing trailer: %w", err)
	}

	header, err := codec.CanonicalJSON(streamingHeader{
		KeyID:         entry.KeyID,
		ChunkSize:     chunkSize,
		ChunkCount:    int64(len(chunkHashes)),
		TotalSize:     totalSize,
		TotalHash:     fmt.Sprintf("%x", totalHash.Sum(nil)),
		TrailerOffset: trailerOffset,
		Cipher:        cipherName,
	})
	if err != nil {
		return "", err
	}
	if len(header)+4 > streamingHeaderSize {
		return "", fmt.Errorf("envelope: streaming header too large: %d bytes", len(header))
	}
	headerRegion := make([]byte, streamingHeaderSize)
	binary.BigEndian.PutUint32(headerRegion, uint32(len(header)))
	copy(headerRegion[4:], header)
	if _, err := output.WriteAt(headerRegion, int64(len(streamingMagic))); err != nil {
		return "", fmt.Errorf("envelope: writing header: %w", err)
	}

	if err := output.Close(); err != nil {
		return "", fmt.Errorf("envelope: closing %s: %w", temp, err)
	}

	entry.Path = inputPath
	if err := e.store.Add(entry); err != nil {
		return "", err
	}
	if err := os.Rename(temp, outputPath); err != nil {
		return "", fmt.Errorf("envelope: committing %s: %w", outputPath, err)
	}

	e.logger.Debug("file encrypted (streaming)",
		"input", inputPath, "key_id", entry.KeyID, "chunks", len(chunkHashes))
	return entry.KeyID, nil
}

// readStreamingHeader parses the magic and fixed header region.
func readStreamingHeader(input *os.File) (*streamingHeader, error) {
	prefix := make([]byte, len(streamingMagic)+streamingHeaderSize)
	if _, err := io.ReadFull(input, prefix); err != nil {
		return nil, fmt.Errorf("envelope: reading streaming header: %w", err)
	}
	if !bytes.Equal(prefix[:len(streamingMagic)], streamingMagic) {
		return nil, ErrBadMagic
	}

	region := prefix[len(streamingMagic):]
	headerLength := binary.BigEndian.Uint32(region[:4])
	if int(headerLength) > streamingHeaderSize-4 {
		return nil, fmt.Errorf("envelope: streaming header length %d out of bounds", headerLength)
	}

	var header streamingHeader
	if err := json.Unmarshal(region[4:4+headerLength], &header); err != nil {
		return nil, fmt.Errorf("envelope: parsing streaming header: %w", err)
	}
	if header.Cipher != cipherName {
		return nil, fmt.Errorf("envelope: unsupported cipher %q", header.Cipher)
	}
	return &header, nil
}

// DecryptFileStreaming decrypts a streaming-encrypted file. Each
// chunk's plaintext hash is checked against the trailer, and the
// overall hash against the header, before the output is committed.
func (e *Envelope) DecryptFileStreaming(inputPath, outputPath string) error {
	input, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("envelope: opening %s: %w", inputPath, err)
	}
	defer input.Close()

	header, err := readStreamingHeader(input)
	if err != nil {
		return err
	}

	// Trailer first: chunk hashes are needed while streaming chunks.
	lengthPrefix := make([]byte, 4)
	if _, err := input.ReadAt(lengthPrefix, header.TrailerOffset); err != nil {
		return fmt.Errorf("envelope: reading trailer length: %w", err)
	}
	trailerLength := binary.BigEndian.Uint32(lengthPrefix)
	trailer := make([]byte, trailerLength)
	if _, err := input.ReadAt(trailer, header.TrailerOffset+4); err != nil {
		return fmt.Errorf("envelope: reading trailer: %w", err)
	}
	var chunkHashes []string
	if err := json.Unmarshal(trailer, &chunkHashes); err != nil {
		return fmt.Errorf("envelope: parsing trailer: %w", err)
	}
	if int64(len(chunkHashes)) != header.ChunkCount {
		return fmt.Errorf("envelope: trailer lists %d chunks, header says %d",
			len(chunkHashes), header.ChunkCount)
	}

	entry, err := e.store.Get(header.KeyID)
	if err != nil {
		return err
	}
	dek, err := e.unwrapDEK(entry)
	if err != nil {
		return err
	}
	defer secret.Zero(dek)

	aead, err := newAEAD(dek)
	if err != nil {
		return err
	}

	temp := outputPath + ".tmp"
	output, err := os.OpenFile(temp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("envelope: creating %s: %w", temp, err)
	}
	defer func() {
		output.Close()
		os.Remove(temp)
	}()

	totalHash := sha256.New()
	var totalSize int64
	position := int64(len(streamingMagic) + streamingHeaderSize)

	for index := int64(0); index < header.ChunkCount; index++ {
		if _, err := input.ReadAt(lengthPrefix, position); err != nil {
			return fmt.Errorf("envelope: reading chunk %d length: %w", index, err)
		}
		ciphertextLength := binary.BigEndian.Uint32(lengthPrefix)
		if int64(ciphertextLength) > header.ChunkSize+64 {
			return fmt.Errorf("envelope: chunk %d length %d implausible", index, ciphertextLength)
		}
		ciphertext := make([]byte, ciphertextLength)
		if _, err := input.ReadAt(ciphertext, position+4); err != nil {
			return fmt.Errorf("envelope: reading chunk %d: %w", index, err)
		}
		position += 4 + int64(ciphertextLength)

		plaintext, err := aead.Open(nil, chunkNonce(header.KeyID, index), ciphertext, nil)
		if err != nil {
			return fmt.Errorf("envelope: chunk %d decryption failed: %w", index, err)
		}
		if hashing.HashBytes(plaintext) != chunkHashes[index] {
			return fmt.Errorf("%w: chunk %d", ErrPlaintextHashMismatch, index)
		}

		totalHash.Write(plaintext)
		totalSize += int64(len(plaintext))
		if _, err := output.Write(plaintext); err != nil {
			return fmt.Errorf("envelope: writing chunk %d: %w", index, err)
		}
		secret.Zero(plaintext)
	}

	if totalSize != header.TotalSize {
		return fmt.Errorf("envelope: decrypted %d bytes, header says %d", totalSize, header.TotalSize)
	}
	if fmt.Sprintf("%x", totalHash.Sum(nil)) != header.TotalHash {
		return ErrPlaintextHashMismatch
	}

	if err := output.Close(); err != nil {
		return fmt.Errorf("envelope: closing %s: %w", temp, err)
	}
	if err := os.Rename(temp, outputPath); err != nil {
		return fmt.Errorf("envelope: committing %s: %w", outputPath, err)
	}
	return nil
}
