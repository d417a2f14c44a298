package shipping

import (
	"fmt"
	"strings"
	"unicode"

	"shipping-service/internal/models"
)

// ExclusionRule removes methods whose name, service code or service tier
// contains any of the keywords when the shipment carries Class goods
type ExclusionRule struct {
	Class    string
	Keywords []string
	Reason   string
}

// ExclusionRules is the special-handling table. Keywords match anywhere in a
// field, ignoring case, spaces and punctuation, so "next day" also catches
// "NextDayAir" and "express" catches "Express48".
var ExclusionRules = []ExclusionRule{
	{
		Class:    models.ShippingClassDangerous,
		Keywords: []string{"overnight", "express", "expedited", "next day", "priority air"},
		Reason:   "dangerous goods cannot use expedited services",
	},
	{
		Class:    models.ShippingClassRefrigerated,
		Keywords: []string{"standard", "ground", "economy"},
		Reason:   "refrigerated goods cannot use ground services",
	},
	{
		Class:    models.ShippingClassOversized,
		Keywords: []string{"letter", "large letter", "small parcel"},
		Reason:   "oversized goods exceed letter and small parcel services",
	},
	{
		Class:    models.ShippingClassHeavy,
		Keywords: []string{"letter", "large letter", "small parcel"},
		Reason:   "heavy goods exceed letter and small parcel services",
	},
}

// IsRestrictedClass reports whether the class requires special handling
func IsRestrictedClass(class string) bool {
	return class != "" && class != models.ShippingClassStandard
}

// Exclusion explains why a method was removed from the quote list
type Exclusion struct {
	MethodID int64  `json:"method_id"`
	Class    string `json:"class"`
	Reason   string `json:"reason"`
}

// CheckMethod returns the first exclusion that applies to the method for the
// given set of shipping classes, or nil if the method is allowed
func CheckMethod(method models.ShippingMethod, classes []string) *Exclusion {
	fields := []string{
		compact(method.Name),
		compact(method.ServiceCode),
		compact(method.Metadata.ServiceTier),
	}

	for _, class := range classes {
		for _, rule := range ExclusionRules {
			if rule.Class != class {
				continue
			}
			for _, kw := range rule.Keywords {
				if matchesAny(fields, compact(kw)) {
					return &Exclusion{MethodID: method.ID, Class: class, Reason: rule.Reason}
				}
			}
		}
	}

	if len(method.Metadata.ShippingClasses) > 0 {
		for _, class := range classes {
			if !IsRestrictedClass(class) {
				continue
			}
			if !containsFold(method.Metadata.ShippingClasses, class) {
				return &Exclusion{
					MethodID: method.ID,
					Class:    class,
					Reason:   fmt.Sprintf("method does not support %s goods", class),
				}
			}
		}
	}

	return nil
}

func matchesAny(fields []string, kw string) bool {
	if kw == "" {
		return false
	}
	for _, f := range fields {
		if strings.Contains(f, kw) {
			return true
		}
	}
	return false
}

// compact lowercases s and drops everything but letters and digits
func compact(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
