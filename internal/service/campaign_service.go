// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/promo-mailer-backend/internal/errors"
	"github.com/unclebandit/promo-mailer-backend/internal/events"
	"github.com/unclebandit/promo-mailer-backend/internal/model"
	"github.com/unclebandit/promo-mailer-backend/internal/queue"
	"github.com/unclebandit/promo-mailer-backend/internal/repository"
	"github.com/unclebandit/promo-mailer-backend/internal/storage"
)

// Audience selects campaign recipients from the user directory.
type Audience struct {
	Role   string
	Status string
}

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	UserRepo     repository.UserRepositoryInterface
	Images       storage.ImageStore
	Queue        queue.Queue
	Events       events.Publisher
	Logger       *zap.Logger

	Audience       Audience
	DefaultSubject string
	MaxImageBytes  int
	// StallAfter marks an incomplete campaign as stalled once it has seen no
	// progress for this long.
	StallAfter time.Duration

	Now   func() time.Time
	NewID func() string
}

// ImageUpload is an uploaded section image, read fully into memory.
type ImageUpload struct {
	Filename string
	Data     []byte
}

type SectionInput struct {
	Content string `validate:"required,max=20000"`
	Image   *ImageUpload
}

type CreateCampaignInput struct {
	Subject   string         `validate:"max=200"`
	Sections  []SectionInput `validate:"required,min=1,dive"`
	CreatedBy string
}

var validate = validator.New()

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *CampaignService) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *CampaignService) log() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// CreateCampaign validates the submission, resolves recipients, stores the
// campaign and hands it to the dispatch queue. It returns as soon as the
// record exists; no email has been sent yet.
func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	in.Subject = strings.TrimSpace(in.Subject)
	for i := range in.Sections {
		in.Sections[i].Content = strings.TrimSpace(in.Sections[i].Content)
	}

	if err := validateInput(in); err != nil {
		return nil, err
	}

	type pendingImage struct {
		index       int
		contentType string
		ext         string
		data        []byte
	}
	var images []pendingImage
	for i, sec := range in.Sections {
		if sec.Image == nil {
			continue
		}
		field := fmt.Sprintf("sections[%d][image]", i)
		if s.MaxImageBytes > 0 && len(sec.Image.Data) > s.MaxImageBytes {
			return nil, appErrors.NewValidation(field, fmt.Sprintf("exceeds %d bytes", s.MaxImageBytes))
		}
		ct, ext, err := storage.DetectImage(field, sec.Image.Data)
		if err != nil {
			return nil, err
		}
		images = append(images, pendingImage{index: i, contentType: ct, ext: ext, data: sec.Image.Data})
	}

	recipients, err := s.resolveRecipients(ctx)
	if err != nil {
		return nil, appErrors.NewPersistence("resolve recipients", err)
	}
	if len(recipients) == 0 {
		return nil, appErrors.NewValidation("recipients", "resolved to zero addresses")
	}

	subject := in.Subject
	if subject == "" {
		subject = s.DefaultSubject
	}

	c := &model.Campaign{
		ID:        s.newID(),
		Subject:   subject,
		CreatedBy: in.CreatedBy,
		CreatedAt: s.now().UTC(),
		Sections:  make([]model.Section, len(in.Sections)),
	}
	for i, sec := range in.Sections {
		c.Sections[i] = model.Section{Position: i, Content: sec.Content}
	}

	var uploaded []string
	for _, img := range images {
		key := fmt.Sprintf("campaigns/%s/%d-%s%s", c.ID, img.index, uuid.NewString()[:8], img.ext)
		url, err := s.Images.Put(ctx, key, img.contentType, img.data)
		if err != nil {
			s.removeImages(uploaded)
			return nil, appErrors.NewPersistence("upload image", err)
		}
		uploaded = append(uploaded, key)
		c.Sections[img.index].Image = url
		c.Sections[img.index].ImageKey = key
	}

	if err := s.CampaignRepo.Create(ctx, c, recipients); err != nil {
		s.removeImages(uploaded)
		return nil, appErrors.NewPersistence("create campaign", err)
	}

	log := s.log().With(zap.String("campaign_id", c.ID))
	log.Info("campaign created",
		zap.Int("total_recipients", c.SendStats.TotalRecipients),
		zap.Int("sections", len(c.Sections)))

	if s.Queue != nil {
		if err := s.Queue.Publish(ctx, queue.TopicCampaignDispatch, queue.Job{CampaignID: c.ID}); err != nil {
			// The sweeper re-enqueues campaigns that never start.
			log.Warn("failed to enqueue dispatch job", zap.Error(err))
		}
	}
	if s.Events != nil {
		err := s.Events.Publish(ctx, events.Event{
			Type:       events.TypeCampaignCreated,
			CampaignID: c.ID,
			SendStats:  c.SendStats,
			OccurredAt: c.CreatedAt,
		})
		if err != nil {
			log.Warn("failed to publish campaign event", zap.Error(err))
		}
	}

	return c, nil
}

func validateInput(in CreateCampaignInput) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return appErrors.NewValidation("", err.Error())
	}

	fe := ves[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return appErrors.NewValidation(field, "is required")
	case "min":
		return appErrors.NewValidation(field, "needs at least "+fe.Param()+" entry")
	case "max":
		return appErrors.NewValidation(field, "exceeds maximum length "+fe.Param())
	}
	return appErrors.NewValidation(field, "failed "+fe.Tag())
}

// resolveRecipients reads the audience from the directory once. Addresses
// are de-duplicated case-insensitively, keeping the first entry.
func (s *CampaignService) resolveRecipients(ctx context.Context) ([]model.User, error) {
	users, err := s.UserRepo.ListByRoleAndStatus(ctx, s.Audience.Role, s.Audience.Status)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(users))
	recipients := make([]model.User, 0, len(users))
	for _, u := range users {
		u.Email = strings.TrimSpace(u.Email)
		key := strings.ToLower(u.Email)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		recipients = append(recipients, u)
	}
	return recipients, nil
}

func (s *CampaignService) removeImages(keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := s.Images.Remove(ctx, key); err != nil {
			s.log().Warn("failed to remove orphaned image", zap.String("key", key), zap.Error(err))
		}
	}
}

// GetStatus is a pure read of a campaign's progress.
func (s *CampaignService) GetStatus(ctx context.Context, id string) (*model.CampaignStatus, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, appErrors.NewCampaignNotFound(id)
	}

	st, err := s.CampaignRepo.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.IsCompleted && s.StallAfter > 0 && s.now().Sub(st.LastActivityAt) > s.StallAfter {
		st.IsStalled = true
	}
	return st, nil
}

// GetCampaignDetails fetches a campaign with its sections.
func (s *CampaignService) GetCampaignDetails(ctx context.Context, id string) (*model.Campaign, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return s.CampaignRepo.GetByID(ctx, id)
}

// ListCampaigns fetches campaigns newest first with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	if maxPage := math.MaxInt/pageSize + 1; page > maxPage {
		page = maxPage
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}
