package models

// Unit is a bookable inventory unit as listed in the static catalog.
type Unit struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Capacity int    `yaml:"capacity" json:"capacity"`
	Disabled bool   `yaml:"disabled" json:"disabled,omitempty"`
}
