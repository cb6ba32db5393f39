package model

// Profile is the applicant data kept alongside an identity. It is owned by
// the profile pages; authentication only seeds names and reads Complete.
type Profile struct {
	UserID     string `json:"user_id"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	College    string `json:"college,omitempty"`
	Department string `json:"department,omitempty"`
	Year       int    `json:"year,omitempty"`
	CGPA       string `json:"cgpa,omitempty"`
	HasCV      bool   `json:"has_cv"`
}

// Complete reports whether the applicant has uploaded a CV, which is what
// decides between the home page and the profile form after login.
func (p *Profile) Complete() bool {
	return p != nil && p.HasCV
}
