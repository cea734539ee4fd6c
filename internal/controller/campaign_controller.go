// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/promo-mailer-backend/internal/errors"
	"github.com/unclebandit/promo-mailer-backend/internal/middleware"
	"github.com/unclebandit/promo-mailer-backend/internal/model"
	"github.com/unclebandit/promo-mailer-backend/internal/service"
)

const maxSections = 50

var sectionField = regexp.MustCompile(`^sections\[(\d+)\]\[(content|image)\]$`)

type CampaignController struct {
	CampaignService *service.CampaignService
	Logger          *zap.Logger
	// MaxBodyBytes bounds the whole request, images included.
	MaxBodyBytes int64
}

type createResponse struct {
	Message    string `json:"message"`
	TemplateID string `json:"templateId"`
}

// CreateCampaign accepts multipart/form-data with sections[i][content] and
// optional sections[i][image] parts, or a JSON body without images.
func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	if c.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, c.MaxBodyBytes)
	}

	var (
		in  service.CreateCampaignInput
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		in, err = parseMultipart(r)
	case "application/json", "":
		in, err = parseJSON(r)
	default:
		err = appErrors.NewValidation("Content-Type", "must be multipart/form-data or application/json")
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = appErrors.NewValidation("body", fmt.Sprintf("exceeds %d bytes", tooLarge.Limit))
		}
		c.writeError(w, r, err)
		return
	}

	if admin, ok := middleware.AdminFromContext(r.Context()); ok {
		in.CreatedBy = admin.Email
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), in)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		Message:    "Email campaign accepted for delivery",
		TemplateID: campaign.ID,
	})
}

func parseJSON(r *http.Request) (service.CreateCampaignInput, error) {
	var body struct {
		Subject  string `json:"subject"`
		Sections []struct {
			Content string `json:"content"`
		} `json:"sections"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return service.CreateCampaignInput{}, err
		}
		return service.CreateCampaignInput{}, appErrors.NewValidation("body", "invalid JSON")
	}
	if len(body.Sections) > maxSections {
		return service.CreateCampaignInput{}, appErrors.NewValidation("sections", fmt.Sprintf("at most %d allowed", maxSections))
	}

	in := service.CreateCampaignInput{Subject: body.Subject}
	for _, s := range body.Sections {
		in.Sections = append(in.Sections, service.SectionInput{Content: s.Content})
	}
	return in, nil
}

func parseMultipart(r *http.Request) (service.CreateCampaignInput, error) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return service.CreateCampaignInput{}, err
		}
		return service.CreateCampaignInput{}, appErrors.NewValidation("body", "invalid multipart form")
	}
	form := r.MultipartForm

	count := 0
	note := func(key string) error {
		m := sectionField.FindStringSubmatch(key)
		if m == nil {
			return nil
		}
		i, err := strconv.Atoi(m[1])
		if err != nil || i >= maxSections {
			return appErrors.NewValidation("sections", fmt.Sprintf("at most %d allowed", maxSections))
		}
		if i+1 > count {
			count = i + 1
		}
		return nil
	}
	for key := range form.Value {
		if err := note(key); err != nil {
			return service.CreateCampaignInput{}, err
		}
	}
	for key := range form.File {
		if err := note(key); err != nil {
			return service.CreateCampaignInput{}, err
		}
	}

	in := service.CreateCampaignInput{Subject: r.FormValue("subject")}
	for i := 0; i < count; i++ {
		sec := service.SectionInput{Content: r.FormValue(fmt.Sprintf("sections[%d][content]", i))}

		imageKey := fmt.Sprintf("sections[%d][image]", i)
		if files := form.File[imageKey]; len(files) > 0 {
			f, err := files[0].Open()
			if err != nil {
				return service.CreateCampaignInput{}, appErrors.NewValidation(imageKey, "could not be read")
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return service.CreateCampaignInput{}, appErrors.NewValidation(imageKey, "could not be read")
			}
			sec.Image = &service.ImageUpload{Filename: files[0].Filename, Data: data}
		}
		in.Sections = append(in.Sections, sec)
	}
	return in, nil
}

// ListCampaigns returns created campaigns newest first.
func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if campaigns == nil {
		campaigns = []model.Campaign{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"templates":  campaigns,
		"pagination": pagination,
	})
}

// GetCampaign returns one campaign with its sections and counters.
func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := c.CampaignService.GetCampaignDetails(r.Context(), chi.URLParam(r, "templateId"))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := appErrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError && c.Logger != nil {
		c.Logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": appErrors.PublicMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
