package identities

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{current: time.Unix(1700000000, 0).UTC()}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Identity{}, &User{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	return db
}

func newTestRepository(t *testing.T, db *gorm.DB) *Repository {
	t.Helper()
	repository, err := NewRepository(RepositoryConfig{
		Database: db,
		Clock:    newSteppingClock().Now,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	return repository
}

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustCreateUser(t *testing.T, db *gorm.DB) string {
	t.Helper()
	user := User{ID: uuid.NewString()}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user.ID
}

func mustLink(t *testing.T, service *Service, userID string, provider WireProvider, providerUserID string) WireIdentity {
	t.Helper()
	response, err := service.LinkIdentity(context.Background(), LinkIdentityRequest{
		UserUID:        &userID,
		Provider:       provider,
		ProviderUserID: providerUserID,
	})
	if err != nil {
		t.Fatalf("link %s/%s failed: %v", provider, providerUserID, err)
	}
	if len(response.Identities) != 1 {
		t.Fatalf("expected one linked identity, got %d", len(response.Identities))
	}
	return response.Identities[0]
}

func primaryPointer(t *testing.T, db *gorm.DB, userID string) string {
	t.Helper()
	var user User
	if err := db.Where("id = ?", userID).Take(&user).Error; err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	if user.PrimaryIdentityID == nil {
		return ""
	}
	return *user.PrimaryIdentityID
}

// assertSinglePrimary checks the primary flags and the owner pointer agree.
func assertSinglePrimary(t *testing.T, db *gorm.DB, userID, expectedPrimaryID string) {
	t.Helper()
	var primaries []Identity
	if err := db.Where("user_id = ? AND is_primary = ?", userID, true).Find(&primaries).Error; err != nil {
		t.Fatalf("failed to query primaries: %v", err)
	}
	if len(primaries) != 1 {
		t.Fatalf("expected exactly one primary identity, got %d", len(primaries))
	}
	if primaries[0].ID != expectedPrimaryID {
		t.Fatalf("expected primary %s, got %s", expectedPrimaryID, primaries[0].ID)
	}
	if pointer := primaryPointer(t, db, userID); pointer != expectedPrimaryID {
		t.Fatalf("expected owner pointer %s, got %q", expectedPrimaryID, pointer)
	}
}

func countRows(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count identities: %v", err)
	}
	return count
}
