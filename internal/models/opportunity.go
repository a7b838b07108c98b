package models

// SiteType classifies what kind of backlink surface a site offers
type SiteType string

const (
	SiteTypeComment      SiteType = "comment"
	SiteTypeProfile      SiteType = "profile"
	SiteTypeForum        SiteType = "forum"
	SiteTypeGuestPosting SiteType = "guestposting"
	SiteTypeOther        SiteType = "other"
)

// Opportunity is a candidate target site selected for a task.
// Selected once per task and never mutated by the worker.
type Opportunity struct {
	ID          int64    `json:"id"`
	URL         string   `json:"url"`
	Domain      string   `json:"domain"`
	PA          int      `json:"pa"`
	DA          int      `json:"da"`
	SiteType    SiteType `json:"site_type"`
	Category    string   `json:"category,omitempty"`
	Subcategory string   `json:"subcategory,omitempty"`

	// Enriched capability flags from the feature extractor
	HasCommentForm       bool `json:"has_comment_form,omitempty"`
	HasRegistrationForm  bool `json:"has_registration_form,omitempty"`
	HasContactForm       bool `json:"has_contact_form,omitempty"`
	RequiresLogin        bool `json:"requires_login,omitempty"`
	RegistrationDetected bool `json:"registration_detected,omitempty"`
	CaptchaDetected      bool `json:"captcha_detected,omitempty"`

	// Attached only when shadow mode is enabled
	ShadowPrediction *ShadowPrediction `json:"shadow_prediction,omitempty"`
}
