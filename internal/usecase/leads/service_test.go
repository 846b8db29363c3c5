package leads

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"leadflow/internal/domain/engagement"
	"leadflow/internal/errs"
	"leadflow/internal/infrastructure/cache"
	"leadflow/internal/infrastructure/persistence/gormdb"
	"leadflow/internal/infrastructure/persistence/gormdb/model"
	"leadflow/internal/infrastructure/persistence/gormdb/repository"
	"leadflow/internal/infrastructure/persistence/gormdb/uow"
	"leadflow/internal/ports"
)

const tenantA = "tenant-a"

type stubClassifier struct {
	mu     sync.Mutex
	result engagement.Classification
	err    error
	calls  int
}

func (c *stubClassifier) Classify(_ context.Context, _ string, _ engagement.ClassifyContext) (engagement.Classification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.result, c.err
}

type stubFetcher struct {
	data engagement.Normalized
	err  error
}

func (f stubFetcher) Fetch(_ context.Context, _ ports.Account) (engagement.Normalized, error) {
	return f.data, f.err
}

type testEnv struct {
	svc        *Service
	db         *gorm.DB
	classifier *stubClassifier
}

func setupService(t *testing.T, fetcher ports.PlatformFetcher, opts Options) testEnv {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "leads.sqlite")
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := gormdb.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	classifier := &stubClassifier{result: engagement.Classification{
		Intent:       engagement.IntentPurchase,
		Sentiment:    engagement.SentimentPositive,
		Confidence:   100,
		ModelVersion: "stub-1",
	}}
	svc := NewService(Dependencies{
		Accounts:     repository.NewAccountRepository(db),
		Posts:        repository.NewPostRepository(db),
		Customers:    repository.NewCustomerRepository(db),
		Interactions: repository.NewInteractionRepository(db),
		UnitOfWork:   uow.NewUnitOfWork(db),
		Cache:        cache.NewKVCache(db),
		Classifier:   classifier,
		Fetcher:      fetcher,
	}, opts)
	return testEnv{svc: svc, db: db, classifier: classifier}
}

func (e testEnv) findOrCreate(t *testing.T, tenantID string, signals engagement.Signals) ports.Customer {
	t.Helper()

	var c ports.Customer
	if err := e.svc.uow.WithTenantTx(context.Background(), tenantID, func(ctx context.Context) error {
		var err error
		c, _, err = e.svc.FindOrCreate(ctx, tenantID, signals)
		return err
	}); err != nil {
		t.Fatalf("FindOrCreate() error = %v", err)
	}
	return c
}

func (e testEnv) customer(t *testing.T, tenantID, id string) ports.Customer {
	t.Helper()

	var c ports.Customer
	if err := e.svc.uow.WithTenantTx(context.Background(), tenantID, func(ctx context.Context) error {
		var err error
		c, err = e.svc.customers.GetCustomer(ctx, id)
		return err
	}); err != nil {
		t.Fatalf("GetCustomer() error = %v", err)
	}
	return c
}

func (e testEnv) countRows(t *testing.T, m any) int64 {
	t.Helper()

	var n int64
	if err := e.db.Model(m).Count(&n).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func dm(externalID string, sender engagement.Sender) engagement.NormalizedInteraction {
	return engagement.NormalizedInteraction{
		AccountExternalID: "acct-ext",
		ExternalID:        externalID,
		Type:              engagement.InteractionDM,
		Sender:            sender,
		Content:           "hello",
		ReceivedAt:        time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
	}
}

func TestFindOrCreateDisplayNameNeverMerges(t *testing.T) {
	env := setupService(t, nil, Options{})

	first := env.findOrCreate(t, tenantA, engagement.Signals{
		Platform: engagement.PlatformInstagram, Username: "maria_shop", DisplayName: "Maria",
	})
	second := env.findOrCreate(t, tenantA, engagement.Signals{
		Platform: engagement.PlatformFacebook, UserID: "fb-100", DisplayName: "Maria",
	})
	if first.ID == second.ID {
		t.Fatalf("FindOrCreate() merged two customers sharing only a display name")
	}
}

func TestFindOrCreateMergesOnWhatsAppPhone(t *testing.T) {
	env := setupService(t, nil, Options{})

	first := env.findOrCreate(t, tenantA, engagement.Signals{
		Platform: engagement.PlatformWhatsApp, Phone: "+51 999 888 777", DisplayName: "Rosa",
	})
	second := env.findOrCreate(t, tenantA, engagement.Signals{
		Platform: engagement.PlatformWhatsApp, UserID: "51999888777", DisplayName: "Rosa M.",
	})
	if first.ID != second.ID {
		t.Fatalf("FindOrCreate() ids = %s, %s; want same customer", first.ID, second.ID)
	}
	if second.DisplayName != "Rosa" {
		t.Fatalf("FindOrCreate() display name = %q, want the first one kept", second.DisplayName)
	}
}

func TestFindOrCreateEnrichesAcrossChannels(t *testing.T) {
	env := setupService(t, nil, Options{})

	wa := env.findOrCreate(t, tenantA, engagement.Signals{Platform: engagement.PlatformWhatsApp, Phone: "51999888777"})
	other := env.findOrCreate(t, tenantA, engagement.Signals{Platform: engagement.PlatformInstagram, Username: "taken"})

	merged := env.findOrCreate(t, tenantA, engagement.Signals{
		Platform:    engagement.PlatformInstagram,
		UserID:      "ig-77",
		Username:    "@Taken",
		Phone:       "51999888777",
		DisplayName: "Rosa",
	})
	if merged.ID != wa.ID {
		t.Fatalf("FindOrCreate() id = %s, want phone owner %s", merged.ID, wa.ID)
	}
	if merged.Slot(engagement.SlotInstagramUserID) != "ig-77" || merged.DisplayName != "Rosa" {
		t.Fatalf("FindOrCreate() did not enrich: %+v", merged)
	}
	// The username belongs to another customer and must stay there.
	if merged.Slot(engagement.SlotInstagramUsername) != "" {
		t.Fatalf("FindOrCreate() stole instagram username from %s", other.ID)
	}
}

func TestFindOrCreateConcurrentRaceCreatesOneCustomer(t *testing.T) {
	env := setupService(t, nil, Options{})

	const workers = 8
	ids := make([]string, workers)
	errCh := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errCh <- env.svc.uow.WithTenantTx(context.Background(), tenantA, func(ctx context.Context) error {
				c, _, err := env.svc.FindOrCreate(ctx, tenantA, engagement.Signals{
					Platform: engagement.PlatformWhatsApp, Phone: "51911222333",
				})
				ids[i] = c.ID
				return err
			})
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("FindOrCreate() error = %v", err)
		}
	}

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("FindOrCreate() returned different customers: %v", ids)
		}
	}
	if n := env.countRows(t, &model.Customer{}); n != 1 {
		t.Fatalf("customer rows = %d, want 1", n)
	}
}

// racingCustomers inserts rival right before the first InsertCustomer, so the
// caller's lookup has already missed when its own insert hits the unique index.
type racingCustomers struct {
	ports.CustomerRepository
	rival     ports.Customer
	rivalID   string
	inserts   int
	conflicts int
}

func (r *racingCustomers) InsertCustomer(ctx context.Context, c ports.Customer) (ports.Customer, error) {
	r.inserts++
	if r.rivalID == "" {
		won, err := r.CustomerRepository.InsertCustomer(ctx, r.rival)
		if err != nil {
			return ports.Customer{}, err
		}
		r.rivalID = won.ID
	}
	created, err := r.CustomerRepository.InsertCustomer(ctx, c)
	if errors.Is(err, engagement.ErrCustomerConflict) {
		r.conflicts++
	}
	return created, err
}

func TestFindOrCreateReselectsAfterInsertConflict(t *testing.T) {
	env := setupService(t, nil, Options{})

	rival := ports.Customer{TenantID: tenantA, DisplayName: "rival", Status: engagement.StatusCold}
	rival.SetSlot(engagement.SlotPhone, "51911222333")
	racing := &racingCustomers{CustomerRepository: env.svc.customers, rival: rival}
	env.svc.customers = racing

	var (
		got     ports.Customer
		created bool
	)
	if err := env.svc.uow.WithTenantTx(context.Background(), tenantA, func(ctx context.Context) error {
		var err error
		got, created, err = env.svc.FindOrCreate(ctx, tenantA, engagement.Signals{
			Platform: engagement.PlatformWhatsApp, Phone: "51911222333", DisplayName: "Ana",
		})
		return err
	}); err != nil {
		t.Fatalf("FindOrCreate() error = %v", err)
	}

	if racing.inserts != 1 || racing.conflicts != 1 {
		t.Fatalf("inserts = %d, conflicts = %d, want 1 and 1", racing.inserts, racing.conflicts)
	}
	if created {
		t.Fatalf("FindOrCreate() created = true after losing the insert race")
	}
	if got.ID != racing.rivalID {
		t.Fatalf("FindOrCreate() id = %q, want rival %q", got.ID, racing.rivalID)
	}
	if got.Slot(engagement.SlotWhatsAppPhone) != "51911222333" || got.DisplayName != "rival" {
		t.Fatalf("FindOrCreate() = %+v, want rival enriched with whatsapp phone", got)
	}
	if n := env.countRows(t, &model.Customer{}); n != 1 {
		t.Fatalf("customer rows = %d, want 1", n)
	}
}

func TestFindOrCreateRequiresTenantTransaction(t *testing.T) {
	env := setupService(t, nil, Options{})

	_, _, err := env.svc.FindOrCreate(context.Background(), tenantA, engagement.Signals{Platform: engagement.PlatformWhatsApp, Phone: "1"})
	if err == nil {
		t.Fatalf("FindOrCreate() outside tenant tx expected error")
	}
}

func TestProcessNormalizedDataIsIdempotent(t *testing.T) {
	env := setupService(t, nil, Options{})
	ctx := context.Background()

	item := dm("mid-1", engagement.Sender{ID: "ig-1", Username: "ana"})
	item.Intent = engagement.IntentPurchase
	item.Sentiment = engagement.SentimentPositive
	item.Confidence = 100
	batch := engagement.Normalized{Interactions: []engagement.NormalizedInteraction{item}}

	first, err := env.svc.ProcessNormalizedData(ctx, tenantA, engagement.PlatformInstagram, batch, "acc-1")
	if err != nil {
		t.Fatalf("ProcessNormalizedData() error = %v", err)
	}
	if len(first.InsertedIDs) != 1 || len(first.PendingAnalysisIDs) != 1 || first.ProcessedCount != 1 {
		t.Fatalf("ProcessNormalizedData() = %+v", first)
	}

	second, err := env.svc.ProcessNormalizedData(ctx, tenantA, engagement.PlatformInstagram, batch, "acc-1")
	if err != nil {
		t.Fatalf("ProcessNormalizedData(again) error = %v", err)
	}
	if len(second.InsertedIDs) != 0 || second.ProcessedCount != 0 {
		t.Fatalf("ProcessNormalizedData(again) inserted = %+v", second)
	}
	// Not analyzed yet, so the redelivery asks for analysis again.
	if len(second.PendingAnalysisIDs) != 1 || second.PendingAnalysisIDs[0] != first.InsertedIDs[0] {
		t.Fatalf("ProcessNormalizedData(again) pending = %v", second.PendingAnalysisIDs)
	}

	if n := env.countRows(t, &model.Interaction{}); n != 1 {
		t.Fatalf("interaction rows = %d, want 1", n)
	}
	var interaction ports.Interaction
	if err := env.svc.uow.WithTenantTx(ctx, tenantA, func(txCtx context.Context) error {
		var err error
		interaction, err = env.svc.interactions.GetInteraction(txCtx, first.InsertedIDs[0])
		return err
	}); err != nil {
		t.Fatalf("GetInteraction() error = %v", err)
	}
	c := env.customer(t, tenantA, interaction.CustomerID)
	if c.TotalLeadScore != 125 || c.TotalInteractions != 1 || c.Status != engagement.StatusWarm {
		t.Fatalf("customer after duplicate ingest = score %d interactions %d status %s", c.TotalLeadScore, c.TotalInteractions, c.Status)
	}
}

func TestProcessNormalizedDataLinksPosts(t *testing.T) {
	env := setupService(t, nil, Options{})
	ctx := context.Background()

	comment := dm("c-1", engagement.Sender{ID: "fb-1"})
	comment.Type = engagement.InteractionComment
	comment.PostExternalID = "post-1"
	referred := dm("mid-9", engagement.Sender{ID: "fb-2"})
	referred.Referral = &engagement.Referral{SourceID: "post-2", Source: "ADS"}
	anonymous := dm("mid-10", engagement.Sender{})

	res, err := env.svc.ProcessNormalizedData(ctx, tenantA, engagement.PlatformFacebook, engagement.Normalized{
		Posts: []engagement.NormalizedPost{
			{ExternalID: "post-1", Caption: "Sale"},
			{ExternalID: "post-2", Caption: "Ad creative"},
		},
		Interactions: []engagement.NormalizedInteraction{comment, referred, anonymous},
	}, "acc-1")
	if err != nil {
		t.Fatalf("ProcessNormalizedData() error = %v", err)
	}
	if res.ProcessedCount != 5 || len(res.InsertedIDs) != 3 {
		t.Fatalf("ProcessNormalizedData() = %+v", res)
	}

	err = env.svc.uow.WithTenantTx(ctx, tenantA, func(txCtx context.Context) error {
		c, err := env.svc.interactions.GetInteraction(txCtx, res.InsertedIDs[0])
		if err != nil {
			return err
		}
		if c.PostID == nil || c.SourcePostID != nil {
			t.Errorf("comment links = post %v source %v", c.PostID, c.SourcePostID)
		}
		r, err := env.svc.interactions.GetInteraction(txCtx, res.InsertedIDs[1])
		if err != nil {
			return err
		}
		if r.PostID != nil || r.SourcePostID == nil || r.Referral == nil || r.Referral.Source != "ADS" {
			t.Errorf("referred links = post %v source %v referral %+v", r.PostID, r.SourcePostID, r.Referral)
		}
		a, err := env.svc.interactions.GetInteraction(txCtx, res.InsertedIDs[2])
		if err != nil {
			return err
		}
		if a.CustomerID != "" {
			t.Errorf("anonymous interaction linked to customer %s", a.CustomerID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("GetInteraction() error = %v", err)
	}
}

func TestAnalyzeInteractionScoresOnlyOnce(t *testing.T) {
	env := setupService(t, nil, Options{})
	ctx := context.Background()

	comment := dm("c-1", engagement.Sender{ID: "fb-1", DisplayName: "Luis"})
	comment.Type = engagement.InteractionComment
	res, err := env.svc.ProcessNormalizedData(ctx, tenantA, engagement.PlatformFacebook,
		engagement.Normalized{Interactions: []engagement.NormalizedInteraction{comment}}, "acc-1")
	if err != nil {
		t.Fatalf("ProcessNormalizedData() error = %v", err)
	}
	id := res.InsertedIDs[0]

	first, err := env.svc.AnalyzeInteraction(ctx, tenantA, id)
	if err != nil {
		t.Fatalf("AnalyzeInteraction() error = %v", err)
	}
	if !first.FirstAnalysis || first.Increment != 50 {
		t.Fatalf("AnalyzeInteraction() = %+v", first)
	}

	again, err := env.svc.AnalyzeInteraction(ctx, tenantA, id)
	if err != nil {
		t.Fatalf("AnalyzeInteraction(again) error = %v", err)
	}
	if again.FirstAnalysis || again.Increment != 0 {
		t.Fatalf("AnalyzeInteraction(again) = %+v", again)
	}

	var item ports.Interaction
	if err := env.svc.uow.WithTenantTx(ctx, tenantA, func(txCtx context.Context) error {
		item, err = env.svc.interactions.GetInteraction(txCtx, id)
		return err
	}); err != nil {
		t.Fatalf("GetInteraction() error = %v", err)
	}
	if item.Intent != engagement.IntentPurchase || item.AnalyzedAt == nil || item.ModelVersion != "stub-1" {
		t.Fatalf("interaction after analysis = %+v", item)
	}
	if c := env.customer(t, tenantA, item.CustomerID); c.TotalLeadScore != 50 {
		t.Fatalf("customer score = %d, want 50", c.TotalLeadScore)
	}

	// Already analyzed, so a redelivered webhook does not ask again.
	res, err = env.svc.ProcessNormalizedData(ctx, tenantA, engagement.PlatformFacebook,
		engagement.Normalized{Interactions: []engagement.NormalizedInteraction{comment}}, "acc-1")
	if err != nil || len(res.PendingAnalysisIDs) != 0 {
		t.Fatalf("ProcessNormalizedData(analyzed) = %+v, %v", res, err)
	}
}

func TestAnalyzeInteractionErrors(t *testing.T) {
	env := setupService(t, nil, Options{})
	ctx := context.Background()

	_, err := env.svc.AnalyzeInteraction(ctx, tenantA, "missing")
	if !errs.IsUnrecoverable(err) || !errors.Is(err, engagement.ErrInteractionNotFound) {
		t.Fatalf("AnalyzeInteraction(missing) error = %v", err)
	}

	res, err := env.svc.ProcessNormalizedData(ctx, tenantA, engagement.PlatformInstagram,
		engagement.Normalized{Interactions: []engagement.NormalizedInteraction{dm("mid-1", engagement.Sender{ID: "ig-1"})}}, "acc-1")
	if err != nil {
		t.Fatalf("ProcessNormalizedData() error = %v", err)
	}
	env.classifier.err = context.DeadlineExceeded
	_, err = env.svc.AnalyzeInteraction(ctx, tenantA, res.InsertedIDs[0])
	if err == nil || errs.IsUnrecoverable(err) {
		t.Fatalf("AnalyzeInteraction(timeout) error = %v, want retryable", err)
	}

	// Another tenant cannot see the interaction.
	_, err = env.svc.AnalyzeInteraction(ctx, "tenant-b", res.InsertedIDs[0])
	if !errors.Is(err, engagement.ErrInteractionNotFound) {
		t.Fatalf("AnalyzeInteraction(other tenant) error = %v", err)
	}
}

func TestRunDecayIsIdempotent(t *testing.T) {
	env := setupService(t, nil, Options{DecayBatchSize: 2})
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC)

	seed := func(tenantID, phone string, score int, lastActivity time.Time) string {
		t.Helper()
		c := env.findOrCreate(t, tenantID, engagement.Signals{Platform: engagement.PlatformWhatsApp, Phone: phone})
		if err := env.svc.uow.WithTenantTx(ctx, tenantID, func(txCtx context.Context) error {
			return env.svc.customers.ApplyScore(txCtx, ports.ScoreUpdate{CustomerID: c.ID, Delta: score, InteractionAt: &lastActivity})
		}); err != nil {
			t.Fatalf("ApplyScore() error = %v", err)
		}
		return c.ID
	}

	twoWeeks := seed(tenantA, "100", 1000, now.Add(-14*24*time.Hour))
	oneWeek := seed("tenant-b", "200", 1000, now.Add(-7*24*time.Hour))
	fresh := seed(tenantA, "300", 1000, now.Add(-6*24*time.Hour))
	seed(tenantA, "400", -50, now.Add(-30*24*time.Hour))
	seed("tenant-b", "500", 80, now.Add(-8*24*time.Hour))

	res, err := env.svc.RunDecay(ctx, now)
	if err != nil {
		t.Fatalf("RunDecay() error = %v", err)
	}
	if res.Scanned != 4 || res.Decayed != 3 || res.Batches != 2 {
		t.Fatalf("RunDecay() = %+v", res)
	}
	if c := env.customer(t, tenantA, twoWeeks); c.TotalLeadScore != 250 || c.Status != engagement.StatusWarm {
		t.Fatalf("14 days = %d %s, want 250 WARM", c.TotalLeadScore, c.Status)
	}
	if c := env.customer(t, "tenant-b", oneWeek); c.TotalLeadScore != 500 || c.Status != engagement.StatusHot {
		t.Fatalf("7 days = %d %s, want 500 HOT", c.TotalLeadScore, c.Status)
	}
	if c := env.customer(t, tenantA, fresh); c.TotalLeadScore != 1000 {
		t.Fatalf("6 days = %d, want 1000", c.TotalLeadScore)
	}

	again, err := env.svc.RunDecay(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("RunDecay(again) error = %v", err)
	}
	if again.Decayed != 0 {
		t.Fatalf("RunDecay(again) = %+v, want no changes", again)
	}
	if c := env.customer(t, tenantA, twoWeeks); c.TotalLeadScore != 250 {
		t.Fatalf("14 days after rerun = %d, want 250", c.TotalLeadScore)
	}

	if _, err := env.svc.RunDecay(ctx, now.Add(7*24*time.Hour)); err != nil {
		t.Fatalf("RunDecay(next week) error = %v", err)
	}
	if c := env.customer(t, tenantA, twoWeeks); c.TotalLeadScore != 125 {
		t.Fatalf("21 days = %d, want 125", c.TotalLeadScore)
	}
}

func TestLateDeliveryDoesNotRewindActivity(t *testing.T) {
	env := setupService(t, nil, Options{})
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC)
	sender := engagement.Sender{ID: "ig-late", Username: "late"}

	recent := dm("mid-recent", sender)
	recent.ReceivedAt = now.Add(-time.Hour)
	res, err := env.svc.ProcessNormalizedData(ctx, tenantA, engagement.PlatformInstagram,
		engagement.Normalized{Interactions: []engagement.NormalizedInteraction{recent}}, "acc-1")
	if err != nil {
		t.Fatalf("ProcessNormalizedData() error = %v", err)
	}
	if len(res.InsertedIDs) != 1 {
		t.Fatalf("ProcessNormalizedData() = %+v", res)
	}

	customerID := env.findOrCreate(t, tenantA, engagement.SignalsFromSender(engagement.PlatformInstagram, sender)).ID
	if err := env.svc.uow.WithTenantTx(ctx, tenantA, func(txCtx context.Context) error {
		return env.svc.customers.ApplyScore(txCtx, ports.ScoreUpdate{CustomerID: customerID, Delta: 1000})
	}); err != nil {
		t.Fatalf("ApplyScore() error = %v", err)
	}
	before := env.customer(t, tenantA, customerID)

	late := dm("mid-late", sender)
	late.ReceivedAt = now.Add(-30 * 24 * time.Hour)
	if _, err := env.svc.ProcessNormalizedData(ctx, tenantA, engagement.PlatformInstagram,
		engagement.Normalized{Interactions: []engagement.NormalizedInteraction{late}}, "acc-1"); err != nil {
		t.Fatalf("ProcessNormalizedData(late) error = %v", err)
	}

	after := env.customer(t, tenantA, customerID)
	if after.LastInteractionAt == nil || !after.LastInteractionAt.Equal(recent.ReceivedAt) {
		t.Fatalf("last interaction after late delivery = %v, want %v", after.LastInteractionAt, recent.ReceivedAt)
	}
	if after.TotalInteractions != before.TotalInteractions+1 {
		t.Fatalf("total interactions = %d, want %d", after.TotalInteractions, before.TotalInteractions+1)
	}

	if _, err := env.svc.RunDecay(ctx, now); err != nil {
		t.Fatalf("RunDecay() error = %v", err)
	}
	if c := env.customer(t, tenantA, customerID); c.TotalLeadScore != before.TotalLeadScore {
		t.Fatalf("score after decay = %d (%s), want %d", c.TotalLeadScore, c.Status, before.TotalLeadScore)
	}
}

func TestTenantStatsCacheInvalidation(t *testing.T) {
	env := setupService(t, nil, Options{StatsTTL: time.Hour})
	ctx := context.Background()

	ingest := func(id string) {
		t.Helper()
		if _, err := env.svc.ProcessNormalizedData(ctx, tenantA, engagement.PlatformInstagram,
			engagement.Normalized{Interactions: []engagement.NormalizedInteraction{dm(id, engagement.Sender{ID: "ig-" + id})}}, "acc-1"); err != nil {
			t.Fatalf("ProcessNormalizedData() error = %v", err)
		}
	}

	ingest("1")
	stats, err := env.svc.TenantStats(ctx, tenantA)
	if err != nil {
		t.Fatalf("TenantStats() error = %v", err)
	}
	if stats.Total != 1 || stats.Unanswered != 1 || stats.ByPlatform["instagram"] != 1 || stats.ByType["DM"] != 1 {
		t.Fatalf("TenantStats() = %+v", stats)
	}

	// Served from cache: a row written behind the service is not visible.
	if err := env.db.Model(&model.Interaction{}).Where("tenant_id = ?", tenantA).Update("is_replied", true).Error; err != nil {
		t.Fatalf("update interaction: %v", err)
	}
	cached, err := env.svc.TenantStats(ctx, tenantA)
	if err != nil || cached.Unanswered != 1 || !cached.ComputedAt.Equal(stats.ComputedAt) {
		t.Fatalf("TenantStats(cached) = %+v, %v", cached, err)
	}

	ingest("2")
	fresh, err := env.svc.TenantStats(ctx, tenantA)
	if err != nil {
		t.Fatalf("TenantStats(after ingest) error = %v", err)
	}
	if fresh.Total != 2 || fresh.Unanswered != 1 {
		t.Fatalf("TenantStats(after ingest) = %+v", fresh)
	}

	other, err := env.svc.TenantStats(ctx, "tenant-b")
	if err != nil || other.Total != 0 {
		t.Fatalf("TenantStats(tenant-b) = %+v, %v", other, err)
	}
}

func TestAccountsRegisterResolvePoll(t *testing.T) {
	comment := dm("c-1", engagement.Sender{ID: "ig-5", Username: "buyer"})
	comment.Type = engagement.InteractionComment
	comment.PostExternalID = "m-1"
	fetcher := stubFetcher{data: engagement.Normalized{
		Posts:        []engagement.NormalizedPost{{ExternalID: "m-1", Caption: "New"}},
		Interactions: []engagement.NormalizedInteraction{comment},
	}}
	env := setupService(t, fetcher, Options{})
	ctx := context.Background()

	if _, err := env.svc.RegisterAccount(ctx, tenantA, RegisterAccountInput{Platform: "myspace", ExternalAccountID: "1"}); !errors.Is(err, engagement.ErrValidation) {
		t.Fatalf("RegisterAccount(bad platform) error = %v", err)
	}
	if _, err := env.svc.RegisterAccount(ctx, tenantA, RegisterAccountInput{Platform: "instagram"}); !errors.Is(err, engagement.ErrValidation) {
		t.Fatalf("RegisterAccount(no external id) error = %v", err)
	}

	account, err := env.svc.RegisterAccount(ctx, tenantA, RegisterAccountInput{Platform: "Instagram", ExternalAccountID: "17841", Name: "Shop"})
	if err != nil {
		t.Fatalf("RegisterAccount() error = %v", err)
	}
	if _, err := env.svc.RegisterAccount(ctx, "tenant-b", RegisterAccountInput{Platform: "instagram", ExternalAccountID: "17841"}); !errors.Is(err, engagement.ErrAccountConflict) {
		t.Fatalf("RegisterAccount(taken) error = %v", err)
	}

	resolved, err := env.svc.ResolveAccount(ctx, engagement.PlatformInstagram, "17841")
	if err != nil || resolved.TenantID != tenantA || resolved.ID != account.ID {
		t.Fatalf("ResolveAccount() = %+v, %v", resolved, err)
	}
	if _, err := env.svc.ResolveAccount(ctx, engagement.PlatformFacebook, "17841"); !errors.Is(err, engagement.ErrAccountNotFound) {
		t.Fatalf("ResolveAccount(unknown) error = %v", err)
	}
	if _, err := env.svc.GetAccount(ctx, "tenant-b", account.ID); !errors.Is(err, engagement.ErrAccountNotFound) {
		t.Fatalf("GetAccount(other tenant) error = %v", err)
	}

	res, err := env.svc.PollAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("PollAccount() error = %v", err)
	}
	if len(res.InsertedIDs) != 1 || res.ProcessedCount != 2 {
		t.Fatalf("PollAccount() = %+v", res)
	}
	polled, err := env.svc.GetAccount(ctx, tenantA, account.ID)
	if err != nil || polled.LastPolledAt == nil {
		t.Fatalf("GetAccount() after poll = %+v, %v", polled, err)
	}

	if _, err := env.svc.PollAccount(ctx, "missing"); !errs.IsUnrecoverable(err) {
		t.Fatalf("PollAccount(missing) error = %v", err)
	}
}
