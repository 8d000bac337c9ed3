package auth

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/syncmesh/resourced/internal/storage"
)

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("auth: generate random bytes: %w", err)
	}
	return b, nil
}

// ErrInvalidCredentials is returned by CredentialStore.Verify on any
// mismatch, deliberately not distinguishing "no such user" from "wrong
// password" to avoid a user-enumeration oracle.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// ErrAddingUsersDisabled is returned by CredentialStore.Create when the
// server is not configured with allowAddingUsers (spec.md §6.4/§4.5).
var ErrAddingUsersDisabled = errors.New("auth: adding users is disabled")

// CredentialStore is the authentication-store interface spec.md §9 names:
// "two modes share one interface". Both file- and database-backed
// implementations satisfy it.
type CredentialStore interface {
	Verify(ctx context.Context, user, password string) error
	Create(ctx context.Context, user, password, email string) error
}

// ParseBearer extracts (user, password) from a bearer authorization header
// carrying base64 `user:password` (spec.md §4.5).
func ParseBearer(header string) (user, password string, err error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", "", fmt.Errorf("auth: malformed bearer header")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return "", "", fmt.Errorf("auth: bearer header is not valid base64: %w", err)
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("auth: bearer payload is not user:password")
	}
	return parts[0], parts[1], nil
}

// FileCredentialStore is the file-backed mode: a per-line flat file
// `user:password`. Creation appends a line when allowAddingUsers is set.
type FileCredentialStore struct {
	path             string
	allowAddingUsers bool

	mu sync.Mutex
}

// NewFileCredentialStore opens the flat file at path.
func NewFileCredentialStore(path string, allowAddingUsers bool) *FileCredentialStore {
	return &FileCredentialStore{path: path, allowAddingUsers: allowAddingUsers}
}

func (f *FileCredentialStore) Verify(_ context.Context, user, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("auth: open credential file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if parts[0] != user {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(password)) == 1 {
			return nil
		}
		return ErrInvalidCredentials
	}
	return ErrInvalidCredentials
}

func (f *FileCredentialStore) Create(_ context.Context, user, password, _ string) error {
	if !f.allowAddingUsers {
		return ErrAddingUsersDisabled
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("auth: create credential directory: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("auth: open credential file: %w", err)
	}
	defer file.Close()
	_, err = fmt.Fprintf(file, "%s:%s\n", user, password)
	return err
}

// DBCredentialStore is the database-backed mode: a stored record
// `user \t algorithm \t iterations \t salt \t digest`, verified by
// re-running the configured key-derivation (spec.md §4.5).
type DBCredentialStore struct {
	records          storage.CredentialRecordStore
	allowAddingUsers bool
	saltLength       int
	digestLength     int
	iterations       int
}

// NewDBCredentialStore constructs a DBCredentialStore. New records are
// created using SHA-256 PBKDF2 with the given iteration count.
func NewDBCredentialStore(records storage.CredentialRecordStore, allowAddingUsers bool, iterations int) *DBCredentialStore {
	if iterations <= 0 {
		iterations = 100000
	}
	return &DBCredentialStore{
		records:          records,
		allowAddingUsers: allowAddingUsers,
		saltLength:       16,
		digestLength:     32,
		iterations:       iterations,
	}
}

func (d *DBCredentialStore) Verify(ctx context.Context, user, password string) error {
	rec, err := d.records.Get(ctx, user)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if rec.User != user {
		return ErrInvalidCredentials
	}
	h, err := hasherFor(rec.Algorithm)
	if err != nil {
		return err
	}
	digest := pbkdf2.Key([]byte(password), rec.Salt, rec.Iterations, len(rec.Digest), h)
	if subtle.ConstantTimeCompare(digest, rec.Digest) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

func (d *DBCredentialStore) Create(ctx context.Context, user, password, email string) error {
	if !d.allowAddingUsers {
		return ErrAddingUsersDisabled
	}
	salt, err := randomBytes(d.saltLength)
	if err != nil {
		return err
	}
	digest := pbkdf2.Key([]byte(password), salt, d.iterations, d.digestLength, sha256.New)
	return d.records.Put(ctx, storage.CredentialRecord{
		User:       user,
		Algorithm:  "sha256",
		Iterations: d.iterations,
		Salt:       salt,
		Digest:     digest,
		Email:      email,
	})
}

func hasherFor(algorithm string) (func() hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "sha256", "":
		return sha256.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, fmt.Errorf("auth: unsupported digest algorithm %q", algorithm)
	}
}

// EncodeRecordLine renders rec in the `user \t algorithm \t iterations \t
// salt \t digest` text form spec.md §4.5 names, for export/debugging.
func EncodeRecordLine(rec storage.CredentialRecord) string {
	return strings.Join([]string{
		rec.User,
		rec.Algorithm,
		strconv.Itoa(rec.Iterations),
		hex.EncodeToString(rec.Salt),
		hex.EncodeToString(rec.Digest),
	}, "\t")
}
