// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "strings"

type Category string

const (
	CategoryImportant        = Category("Important")
	CategoryData             = Category("Data")
	CategoryRegular          = Category("Regular")
	CategoryWork             = Category("Work")
	CategoryPersonal         = Category("Personal")
	CategorySocial           = Category("Social")
	CategoryNewsletters      = Category("Newsletters")
	CategoryNotifications    = Category("Notifications")
	CategoryReceipts         = Category("Receipts")
	CategorySystemUpdates    = Category("System Updates")
	CategoryUncategorized    = Category("Uncategorized")
	CategoryFlaggedForReview = Category("Flagged for Review")
	CategorySuspectedSpam    = Category("Suspected Spam")
	CategoryConfirmedSpam    = Category("Confirmed Spam")
	CategoryPhishing         = Category("Phishing")
	CategoryBlacklisted      = Category("Blacklisted")
)

// FallbackCategory is assigned to anything that does not name a registry label.
const FallbackCategory = CategoryFlaggedForReview

type categoryInfo struct {
	category    Category
	description string
}

var registry = []categoryInfo{
	{CategoryImportant, "High-priority or time-sensitive email"},
	{CategoryData, "Structured content or logs"},
	{CategoryRegular, "Everyday correspondence"},
	{CategoryWork, "Job-related or professional"},
	{CategoryPersonal, "From friends or family"},
	{CategorySocial, "Social networks or events"},
	{CategoryNewsletters, "Recurring content subscriptions"},
	{CategoryNotifications, "Automated alerts from services"},
	{CategoryReceipts, "Purchase confirmations or bills"},
	{CategorySystemUpdates, "Platform or system notifications"},
	{CategoryUncategorized, "Not yet classified"},
	{CategoryFlaggedForReview, "User needs to check this"},
	{CategorySuspectedSpam, "Likely spam, needs confirmation"},
	{CategoryConfirmedSpam, "Verified as spam"},
	{CategoryPhishing, "Dangerous or deceptive email"},
	{CategoryBlacklisted, "Domain found on a DNS blocklist"},
}

var byKey = func() map[string]Category {
	m := make(map[string]Category, len(registry))
	for _, c := range registry {
		m[categoryKey(string(c.category))] = c.category
	}
	return m
}()

// Categories returns all registry labels in their fixed order.
func Categories() []Category {
	categories := make([]Category, len(registry))
	for i, c := range registry {
		categories[i] = c.category
	}
	return categories
}

func (c Category) Description() string {
	for _, info := range registry {
		if info.category == c {
			return info.description
		}
	}
	return ""
}

func (c Category) IsValid() bool {
	registered, ok := byKey[categoryKey(string(c))]
	return ok && registered == c
}

// Normalize maps free-form input onto a registry label. Matching ignores case and
// surrounding or repeated whitespace, unknown input yields FallbackCategory.
func Normalize(raw string) Category {
	if c, ok := byKey[categoryKey(raw)]; ok {
		return c
	}
	return FallbackCategory
}

func categoryKey(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}
