package account

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dropfleet/dropfleet/internal/credentials"
	"github.com/dropfleet/dropfleet/internal/store"
	"github.com/dropfleet/dropfleet/pkg/logger"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:89.0) Gecko/20100101 Firefox/89.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/92.0.4515.107 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/96.0.4664.110 Safari/537.36 Edg/96.0.1054.62",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/96.0.4664.110 Safari/537.36",
}

// ValidEmail reports whether addr matches the address grammar accepted
// by the registry.
func ValidEmail(addr string) bool {
	return emailPattern.MatchString(addr)
}

// NewStore builds the account collection with the legacy-schema
// migration: records carrying a plaintext password but no hash are
// rehashed on load and the plaintext is discarded before the record
// enters memory.
func NewStore(path string, log logger.Logger) *store.Collection[Account] {
	return store.New[Account](path, log, store.WithMigration[Account](migrateLegacy))
}

func migrateLegacy(raw json.RawMessage) (Account, bool, error) {
	var rec struct {
		Account
		Password string `json:"password,omitempty"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Account{}, false, err
	}

	changed := false
	if rec.PasswordHash == "" && rec.Password != "" {
		hash, err := credentials.Hash(rec.Password)
		if err != nil {
			return Account{}, false, err
		}
		rec.Account.PasswordHash = hash
		changed = true
	}

	if rec.Account.Platforms == nil {
		rec.Account.Platforms = defaultPlatforms()
		changed = true
	}

	return rec.Account, changed, nil
}

// ProxySource hands out a proxy address for a new account. Satisfied by
// the proxy pool.
type ProxySource interface {
	SelectAddress() (string, error)
}

// Registry owns the in-memory account list plus its store file behind a
// coarse lock; every mutation persists before returning.
type Registry struct {
	mu       sync.Mutex
	accounts []Account
	coll     *store.Collection[Account]
	log      logger.Logger
	now      func() time.Time
}

func NewRegistry(coll *store.Collection[Account], log logger.Logger) (*Registry, error) {
	accounts, err := coll.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load account store: %w", err)
	}

	log.Info("loaded accounts from storage", logger.Field{Key: "count", Value: len(accounts)})

	return &Registry{
		accounts: accounts,
		coll:     coll,
		log:      log,
		now:      time.Now,
	}, nil
}

// CreateParams are the optional inputs for Create; empty fields are
// synthesized.
type CreateParams struct {
	Email         string
	Password      string
	RecoveryEmail string
	Proxy         string
}

// Create validates and persists a new account. The generated or supplied
// plaintext password is returned to the caller for display and never
// stored.
func (r *Registry) Create(params CreateParams) (*Account, string, error) {
	if params.Email != "" && !ValidEmail(params.Email) {
		return nil, "", fmt.Errorf("%w: %s", ErrInvalidEmail, params.Email)
	}
	if params.RecoveryEmail != "" && !ValidEmail(params.RecoveryEmail) {
		return nil, "", fmt.Errorf("%w: %s", ErrInvalidEmail, params.RecoveryEmail)
	}

	email := params.Email
	if email == "" {
		email = credentials.RandomLower(8) + "@example.com"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findLocked(email) >= 0 {
		return nil, "", fmt.Errorf("%w: %s", ErrDuplicateAccount, email)
	}

	password := params.Password
	if password == "" {
		password = credentials.GeneratePassword(credentials.DefaultPasswordLength)
	}

	hash, err := credentials.Hash(password)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}

	acc := Account{
		Email:         email,
		PasswordHash:  hash,
		RecoveryEmail: params.RecoveryEmail,
		Proxy:         params.Proxy,
		UserAgent:     userAgents[rand.Intn(len(userAgents))],
		CreatedDate:   r.now().Format("2006-01-02"),
		Platforms:     defaultPlatforms(),
	}

	r.accounts = append(r.accounts, acc)
	r.persistLocked()
	r.log.Info("created new account", logger.Field{Key: "email", Value: email})

	out := cloneAccount(acc)
	return &out, password, nil
}

// Reload re-reads the store file, picking up records written by other
// processes sharing it.
func (r *Registry) Reload() error {
	accounts, err := r.coll.Load()
	if err != nil {
		return fmt.Errorf("failed to reload account store: %w", err)
	}

	r.mu.Lock()
	r.accounts = accounts
	r.mu.Unlock()
	return nil
}

// Get returns a copy of the account, if present.
func (r *Registry) Get(email string) (*Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.findLocked(email)
	if idx < 0 {
		return nil, false
	}
	out := cloneAccount(r.accounts[idx])
	return &out, true
}

// VerifyPassword checks a plaintext password against the stored hash.
func (r *Registry) VerifyPassword(email, password string) bool {
	acc, ok := r.Get(email)
	if !ok {
		return false
	}
	return credentials.Verify(password, acc.PasswordHash)
}

// UpdatePlatformStatus upserts the platform entry for an account and
// stamps last activity.
func (r *Registry) UpdatePlatformStatus(email, platform, username string, registered bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.findLocked(email)
	if idx < 0 {
		r.log.Warn("account not found", logger.Field{Key: "email", Value: email})
		return fmt.Errorf("%w: %s", ErrAccountNotFound, email)
	}

	if r.accounts[idx].Platforms == nil {
		r.accounts[idx].Platforms = map[string]PlatformStatus{}
	}

	now := r.now()
	r.accounts[idx].Platforms[platform] = PlatformStatus{
		Username:     username,
		Registered:   registered,
		LastActivity: &now,
	}

	r.persistLocked()
	r.log.Info("updated platform status",
		logger.Field{Key: "email", Value: email},
		logger.Field{Key: "platform", Value: platform})
	return nil
}

// AppendNote adds a timestamped line to the account's notes.
func (r *Registry) AppendNote(email, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.findLocked(email)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, email)
	}

	line := fmt.Sprintf("%s: %s", r.now().Format("2006-01-02 15:04:05"), note)
	if r.accounts[idx].Notes != "" {
		r.accounts[idx].Notes += "\n" + line
	} else {
		r.accounts[idx].Notes = line
	}

	r.persistLocked()
	return nil
}

// Query filters accounts. A platform restricts to accounts having that
// platform key (and, with registeredOnly, only registered ones); text
// matches case-insensitively against email, notes and platform
// usernames.
func (r *Registry) Query(text, platform string, registeredOnly bool) []Account {
	r.mu.Lock()
	defer r.mu.Unlock()

	text = strings.ToLower(text)
	var results []Account

	for _, acc := range r.accounts {
		if platform != "" {
			status, ok := acc.Platforms[platform]
			if !ok || (registeredOnly && !status.Registered) {
				continue
			}
		}

		if text != "" && !matchesText(&acc, text) {
			continue
		}

		results = append(results, cloneAccount(acc))
	}

	return results
}

// ByPlatform returns accounts having the platform key, optionally only
// registered ones.
func (r *Registry) ByPlatform(platform string, registeredOnly bool) []Account {
	return r.Query("", platform, registeredOnly)
}

// All returns a copy of every account.
func (r *Registry) All() []Account {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		out = append(out, cloneAccount(acc))
	}
	return out
}

// Delete removes the account and persists.
func (r *Registry) Delete(email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.findLocked(email)
	if idx < 0 {
		r.log.Warn("account not found for deletion", logger.Field{Key: "email", Value: email})
		return fmt.Errorf("%w: %s", ErrAccountNotFound, email)
	}

	r.accounts = append(r.accounts[:idx], r.accounts[idx+1:]...)
	r.persistLocked()
	r.log.Info("deleted account", logger.Field{Key: "email", Value: email})
	return nil
}

// BulkCreate generates count accounts with collision-resistant usernames
// (millisecond timestamp plus random suffix), optionally assigning a
// proxy per account. Individual failures are logged and skipped.
func (r *Registry) BulkCreate(count int, domain string, withProxy bool, proxies ProxySource) []Account {
	var created []Account

	for i := 0; i < count; i++ {
		username := fmt.Sprintf("user%d%s", time.Now().UnixMilli(), credentials.RandomLower(4))

		var proxyAddr string
		if withProxy && proxies != nil {
			addr, err := proxies.SelectAddress()
			if err != nil {
				r.log.Warn("no proxy available for bulk-created account",
					logger.Field{Key: "index", Value: i})
			} else {
				proxyAddr = addr
			}
		}

		acc, _, err := r.Create(CreateParams{
			Email: fmt.Sprintf("%s@%s", username, domain),
			Proxy: proxyAddr,
		})
		if err != nil {
			r.log.Error("error creating account",
				logger.Field{Key: "index", Value: i},
				logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		created = append(created, *acc)
	}

	return created
}

func (r *Registry) findLocked(email string) int {
	for i := range r.accounts {
		if r.accounts[i].Email == email {
			return i
		}
	}
	return -1
}

func (r *Registry) persistLocked() {
	if err := r.coll.Save(r.accounts); err != nil {
		r.log.Error("failed to save account store",
			logger.Field{Key: "path", Value: r.coll.Path()},
			logger.Field{Key: "error", Value: err.Error()})
	}
}

func matchesText(acc *Account, text string) bool {
	if strings.Contains(strings.ToLower(acc.Email), text) {
		return true
	}
	if acc.Notes != "" && strings.Contains(strings.ToLower(acc.Notes), text) {
		return true
	}
	for _, status := range acc.Platforms {
		if status.Username != "" && strings.Contains(strings.ToLower(status.Username), text) {
			return true
		}
	}
	return false
}

func cloneAccount(acc Account) Account {
	out := acc
	out.Platforms = make(map[string]PlatformStatus, len(acc.Platforms))
	for k, v := range acc.Platforms {
		out.Platforms[k] = v
	}
	return out
}
