package model

// Participant — неизменяемый снимок участника, встраивается везде, где на него ссылаются.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Contact     string `json:"contact,omitempty"`
}

// Name — отображаемое имя или id.
func (p Participant) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}
