package dialogue

import (
	"fmt"
	"strings"

	"github.com/locus-labs/locus/engine/domain"
)

// maxListed bounds how many providers a reply spells out.
const maxListed = 5

const (
	replyAskItem          = "What would you like to order? Tell me a dish, for example \"I want pizza\"."
	replyAmbiguousVariant = "You mentioned both veg and non-veg. Which one would you like?"
	replyAskQuantityAgain = "How many would you like? Reply with a number from 1 to 10."
	replyQuantityRange    = "I can take orders of 1 to 10. How many would you like?"
	replyCatalogDown      = "I couldn't reach the provider list just now. Say \"retry\" to try again."
	replyCancelled        = "Okay, I've cancelled that request. What would you like instead?"
	replyNothingToCancel  = "There's nothing to cancel. What would you like to order?"
)

var (
	variantSuggestions  = []string{"veg", "non veg"}
	quantitySuggestions = []string{"1", "2", "3"}
	retrySuggestions    = []string{"retry", "cancel"}
	noResultSuggestions = []string{"show all providers", "start over"}
	doneSuggestions     = []string{"start over"}
)

func askVariant(item string) string {
	return fmt.Sprintf("Got it, %s. Would you like veg or non-veg?", item)
}

func reaskVariant(item string) string {
	return fmt.Sprintf("Sorry, I didn't catch that. Veg or non-veg %s?", item)
}

func askQuantity(req domain.DialogueRequest) string {
	return fmt.Sprintf("How many %s %s would you like?", variantLabel(req.Variant), req.ItemName)
}

func variantLabel(v domain.Variant) string {
	switch v {
	case domain.VariantVeg:
		return "veg"
	case domain.VariantNonVeg:
		return "non-veg"
	}
	return ""
}

func describeResults(req domain.DialogueRequest) string {
	what := strings.TrimSpace(variantLabel(req.Variant) + " " + req.ItemName)
	if len(req.Results) == 0 {
		if req.Unfiltered {
			return fmt.Sprintf("I couldn't find your location, and no provider offers %s right now.", what)
		}
		return fmt.Sprintf("No provider near you delivers %s right now. You can ask to see all providers.", what)
	}
	if req.Unfiltered {
		return describeListing(req)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d %s near you for %s:", len(req.Results), plural(len(req.Results), "provider"), what)
	writeResults(&b, req.Results, true)
	return b.String()
}

func describeListing(req domain.DialogueRequest) string {
	what := strings.TrimSpace(variantLabel(req.Variant) + " " + req.ItemName)
	var b strings.Builder
	if len(req.Results) == 0 {
		fmt.Fprintf(&b, "No provider offers %s right now.", what)
		return b.String()
	}
	fmt.Fprintf(&b, "These %d %s offer %s. They are not filtered by distance, so check that they deliver to you:",
		len(req.Results), plural(len(req.Results), "provider"), what)
	writeResults(&b, req.Results, false)
	return b.String()
}

func writeResults(b *strings.Builder, results []domain.MatchResult, withDistance bool) {
	for i, r := range results {
		if i == maxListed {
			fmt.Fprintf(b, "\n...and %d more", len(results)-maxListed)
			break
		}
		fmt.Fprintf(b, "\n%d. %s (rated %.1f", i+1, r.Provider.Name, r.Provider.Rating)
		if withDistance {
			fmt.Fprintf(b, ", %.2f km", r.DistanceKm)
		}
		b.WriteByte(')')
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
