package usecase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/scanmaster/internal/core/domain"
	"github.com/kirillkom/scanmaster/internal/core/ports"
)

// DownloadUseCase issues short-lived signed tokens for canonical artifacts
// and serves the artifact back when a valid token is presented. The token is
// "<document_id>:<unix_expiry>:<hmac>" base64url-encoded; no download state
// is stored server side.
type DownloadUseCase struct {
	reader  ports.DocumentReader
	docs    ports.DocumentStore
	storage ports.ObjectStorage
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

func NewDownloadUseCase(
	reader ports.DocumentReader,
	docs ports.DocumentStore,
	storage ports.ObjectStorage,
	secret string,
	ttl time.Duration,
) *DownloadUseCase {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DownloadUseCase{
		reader:  reader,
		docs:    docs,
		storage: storage,
		secret:  []byte(secret),
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (uc *DownloadUseCase) IssueDownloadToken(ctx context.Context, userID, documentID string) (string, error) {
	doc, err := uc.reader.GetOwned(ctx, userID, documentID)
	if err != nil {
		return "", err
	}
	if doc.CanonicalPath == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "issue download token",
			fmt.Errorf("document is %s, no canonical artifact yet", doc.Status))
	}

	expiry := uc.now().Add(uc.ttl).Unix()
	payload := fmt.Sprintf("%s:%d", doc.ID, expiry)
	token := payload + ":" + uc.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

func (uc *DownloadUseCase) OpenByToken(ctx context.Context, token string) (io.ReadCloser, string, error) {
	documentID, err := uc.redeem(token)
	if err != nil {
		return nil, "", err
	}

	doc, err := uc.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, "", err
	}
	if doc.Status == domain.StatusDeleted || doc.CanonicalPath == "" {
		return nil, "", domain.WrapError(domain.ErrDocumentNotFound, "open download",
			errors.New("canonical artifact gone"))
	}

	rc, err := uc.storage.Open(ctx, doc.CanonicalPath)
	if err != nil {
		return nil, "", fmt.Errorf("open canonical artifact: %w", err)
	}
	return rc, doc.Filename, nil
}

func (uc *DownloadUseCase) redeem(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", domain.WrapError(domain.ErrUnauthorized, "open download", errors.New("malformed token"))
	}

	parts := strings.Split(string(raw), ":")
	if len(parts) != 3 {
		return "", domain.WrapError(domain.ErrUnauthorized, "open download", errors.New("malformed token"))
	}
	documentID, expiryRaw, signature := parts[0], parts[1], parts[2]

	payload := documentID + ":" + expiryRaw
	if !hmac.Equal([]byte(uc.sign(payload)), []byte(signature)) {
		return "", domain.WrapError(domain.ErrUnauthorized, "open download", errors.New("signature mismatch"))
	}

	expiry, err := strconv.ParseInt(expiryRaw, 10, 64)
	if err != nil || uc.now().Unix() > expiry {
		return "", domain.WrapError(domain.ErrUnauthorized, "open download", errors.New("token expired"))
	}
	return documentID, nil
}

func (uc *DownloadUseCase) sign(payload string) string {
	mac := hmac.New(sha256.New, uc.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
