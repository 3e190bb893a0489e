package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/tiendaflow/api/internal/domain"
	"github.com/tiendaflow/api/internal/repositories"
)

const (
	auditIDPrefix        = "aud_"
	defaultHasherPrefix  = "sha256:"
	defaultAuditListSize = 50
	maxAuditListSize     = 500
)

// defaultSensitiveAuditKeys are metadata keys stored as salted hashes.
var defaultSensitiveAuditKeys = []string{"email", "phone", "payer_email"}

type auditLogService struct {
	repo      repositories.AuditLogRepository
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
	hashSalt  string
	sensitive []string
}

// AuditLogServiceDeps bundles constructor inputs for the audit writer service.
type AuditLogServiceDeps struct {
	Repository    repositories.AuditLogRepository
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
	HashSalt      string
	SensitiveKeys []string
}

var _ AuditLogService = (*auditLogService)(nil)

// NewAuditLogService creates an audit log writer backed by the supplied repository.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, errors.New("audit log service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	sensitive := deps.SensitiveKeys
	if len(sensitive) == 0 {
		sensitive = defaultSensitiveAuditKeys
	}

	return &auditLogService{
		repo:      deps.Repository,
		clock:     func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
		hashSalt:  deps.HashSalt,
		sensitive: normaliseKeys(sensitive),
	}, nil
}

func (s *auditLogService) Record(ctx context.Context, record AuditRecord) error {
	entry, err := s.buildEntry(record)
	if err != nil {
		return err
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		return mapOrderRepositoryError(err)
	}
	return nil
}

// RecordBestEffort is used after the primary mutation has committed.
func (s *auditLogService) RecordBestEffort(ctx context.Context, record AuditRecord) {
	if err := s.Record(ctx, record); err != nil {
		s.logger(ctx, "audit.append.failed", map[string]any{
			"order":  record.OrderID,
			"action": record.Action,
			"error":  err.Error(),
		})
	}
}

func (s *auditLogService) ListByOrder(ctx context.Context, orderID string, limit int) ([]domain.OrderAuditEntry, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	switch {
	case limit <= 0:
		limit = defaultAuditListSize
	case limit > maxAuditListSize:
		limit = maxAuditListSize
	}
	entries, err := s.repo.ListByOrder(ctx, orderID, limit)
	if err != nil {
		return nil, mapOrderRepositoryError(err)
	}
	return entries, nil
}

func (s *auditLogService) buildEntry(record AuditRecord) (domain.OrderAuditEntry, error) {
	orderID := strings.TrimSpace(record.OrderID)
	if orderID == "" {
		return domain.OrderAuditEntry{}, errors.New("audit log service: order id is required")
	}
	action := sanitizeText(record.Action, 120)
	if action == "" {
		return domain.OrderAuditEntry{}, errors.New("audit log service: action is required")
	}

	return domain.OrderAuditEntry{
		ID:               auditIDPrefix + s.newID(),
		OrderID:          orderID,
		Actor:            sanitizeText(actorOrSystem(record.Actor), 160),
		Action:           action,
		OldStatus:        record.OldStatus,
		NewStatus:        record.NewStatus,
		OldPaymentStatus: record.OldPaymentStatus,
		NewPaymentStatus: record.NewPaymentStatus,
		Metadata:         s.prepareMetadata(record.Metadata),
		CreatedAt:        s.clock(),
	}, nil
}

func (s *auditLogService) prepareMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	result := make(map[string]any, len(metadata))
	for key, value := range metadata {
		trimmedKey := sanitizeMetadataKey(key)
		if trimmedKey == "" {
			continue
		}
		if containsKey(s.sensitive, trimmedKey) {
			result[trimmedKey] = defaultHasherPrefix + s.hashAny(value)
			continue
		}
		if str, ok := value.(string); ok {
			value = sanitizeText(str, 512)
		}
		result[trimmedKey] = value
	}
	return result
}

func (s *auditLogService) hashString(value string) string {
	sum := sha256.Sum256([]byte(s.hashSalt + strings.TrimSpace(value)))
	return hex.EncodeToString(sum[:])
}

func (s *auditLogService) hashAny(value any) string {
	switch v := value.(type) {
	case string:
		return s.hashString(v)
	case fmt.Stringer:
		return s.hashString(v.String())
	default:
		if b, err := json.Marshal(v); err == nil {
			return s.hashString(string(b))
		}
		return s.hashString(fmt.Sprintf("%T", value))
	}
}

func sanitizeMetadataKey(key string) string {
	return strings.ToLower(sanitizeText(key, 64))
}

func normaliseKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if trimmed := sanitizeMetadataKey(key); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func containsKey(keys []string, key string) bool {
	for _, candidate := range keys {
		if candidate == key {
			return true
		}
	}
	return false
}
