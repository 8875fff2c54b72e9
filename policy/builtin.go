package policy

import (
	"fmt"
	"slices"
)

// Device categories used by the built-in documents.
const (
	CategoryFull    = "full"
	CategoryWatch   = "watch"
	CategoryTV      = "tv"
	CategoryAudio   = "audio"
	CategoryWindows = "windows"
)

// View names used by the built-in documents.
const (
	ViewPasswords           = "Passwords"
	ViewWiFi                = "WiFi"
	ViewEngram              = "Engram"
	ViewHealth              = "Health"
	ViewHome                = "Home"
	ViewManatee             = "Manatee"
	ViewAutoUnlock          = "AutoUnlock"
	ViewCreditCards         = "CreditCards"
	ViewLimitedPeersAllowed = "LimitedPeersAllowed"
	ViewSecureObjectSync    = "SecureObjectSync"
)

var baseModelToCategory = []CategoryRule{
	{Prefix: "iPhone", Category: CategoryFull},
	{Prefix: "iPad", Category: CategoryFull},
	{Prefix: "iPod", Category: CategoryFull},
	{Prefix: "Mac", Category: CategoryFull},
	{Prefix: "Watch", Category: CategoryWatch},
	{Prefix: "AppleTV", Category: CategoryTV},
	{Prefix: "AudioAccessory", Category: CategoryAudio},
	{Prefix: "Windows", Category: CategoryWindows},
}

var baseIntroducers = map[string][]string{
	CategoryFull:    {CategoryFull},
	CategoryWatch:   {CategoryFull, CategoryWatch},
	CategoryTV:      {CategoryFull, CategoryTV},
	CategoryAudio:   {CategoryFull, CategoryTV, CategoryAudio},
	CategoryWindows: {CategoryFull, CategoryWindows},
}

var baseKeyViewMapping = []ViewRule{
	{View: ViewWiFi, Field: "agrp", Value: "apple"},
	{View: ViewPasswords, Field: "agrp", Value: "com.apple.cfnetwork"},
	{View: ViewPasswords, Field: "agrp", Value: "com.apple.safari.credit-cards"},
	{View: ViewCreditCards, Field: "agrp", Value: "com.apple.safari.credit-cards"},
	{View: ViewHealth, Field: "agrp", Value: "com.apple.health", MatchPrefix: true},
	{View: ViewHome, Field: "agrp", Value: "com.apple.home", MatchPrefix: true},
	{View: ViewEngram, Field: "agrp", Value: "com.apple.security.ckks"},
}

func legacyRules() Rules {
	return Rules{
		ModelToCategory: slices.Clone(baseModelToCategory),
		CategoriesByView: map[string][]string{
			ViewPasswords:           {CategoryFull, CategoryWatch},
			ViewWiFi:                {CategoryFull, CategoryWatch, CategoryTV},
			ViewEngram:              {CategoryFull},
			ViewManatee:             {CategoryFull},
			ViewCreditCards:         {CategoryFull},
			ViewLimitedPeersAllowed: {CategoryFull, CategoryWatch, CategoryTV, CategoryAudio, CategoryWindows},
			ViewSecureObjectSync:    {CategoryFull},
		},
		IntroducersByCategory: baseIntroducers,
		KeyViewMapping:        slices.Clone(baseKeyViewMapping),
	}
}

func mustBuild(number uint64, rules Rules) *Document {
	doc, err := NewDocument(number, rules, nil)
	if err != nil {
		panic(fmt.Sprintf("policy: built-in document %d: %v", number, err))
	}
	return doc
}

var (
	legacyDocument = mustBuild(5, legacyRules())

	prevailingDocument = func() *Document {
		doc, err := legacyDocument.Clone(6, map[string][]string{
			ViewHealth:     {CategoryFull, CategoryWatch},
			ViewHome:       {CategoryFull, CategoryWatch, CategoryTV, CategoryAudio},
			ViewAutoUnlock: {CategoryFull, CategoryWatch},
			ViewWiFi:       {CategoryAudio},
		}, nil, nil)
		if err != nil {
			panic(fmt.Sprintf("policy: built-in document 6: %v", err))
		}
		return doc
	}()
)

// Builtin returns the documents compiled into this build, oldest first.
func Builtin() []*Document {
	return []*Document{legacyDocument, prevailingDocument}
}

// Prevailing returns the newest built-in document.
func Prevailing() *Document {
	return prevailingDocument
}
