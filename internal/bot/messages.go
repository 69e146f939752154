package bot

// =============================================================================
// General messages
// =============================================================================

const (
	MsgOk            = `Ok!`
	MsgUnexpectedErr = `Unexpected error: %s`
	MsgStartPrompt   = "Type an item name, paste a product URL, or send a photo of your gear to add it to your bag."
	MsgCancelled     = "Cancelled."
	MsgNothingToDo   = "Nothing in progress. Type an item name or send a photo to start."
	MsgVersionInfo   = "Version: %s\nBuilt: %s"
)

// =============================================================================
// Login and setup messages
// =============================================================================

const (
	MsgLoginPrompt    = "Paste your bag access token:"
	MsgLoginSuccess   = "Logged in. Your items will be added to bag *%s*."
	MsgLoginRequired  = "You need to connect your bag first. Use /login"
	MsgLoginCancelled = "Login cancelled."
	MsgLogoutDone     = "Logged out and token removed."
	MsgBagUsage       = "Usage: `/bag <bag-code>`"
	MsgBagSet         = "✅ Default bag set to *%s*"
	MsgBagTypeUsage   = "Usage: `/bagtype <type>` (e.g. golf, camera, fishing)"
	MsgBagTypeSet     = "✅ Bag type set to *%s*"
	MsgBagNotSet      = "No default bag set. Use `/bag <bag-code>` first."
	MsgAutoAcceptOff  = "Auto-accept disabled. Every suggestion is reviewed before adding."
	MsgAutoAcceptSet  = "✅ Single suggestions at or above %d%% confidence are now added without review."
	MsgAutoAcceptUse  = "Usage: `/autoaccept <0-100>` (0 disables)"
)

// =============================================================================
// Identification messages
// =============================================================================

const (
	MsgIdentifying        = "Identifying..."
	MsgNoMatches          = "No matches found. Try adding a brand name, or send a photo."
	MsgSoftFailure        = "⚠️ %s"
	MsgSuggestionsHeader  = "Did you mean:"
	MsgMinimalMatch       = "⚠️ Minimal match only, double-check before adding."
	MsgClarifyHeader      = "A couple of questions to narrow it down:"
	MsgClarifyDismissed   = "Ok, keeping the current matches."
	MsgSearchAgainHint    = "Not right? Use the button below to search again with AI."
	MsgLearningNote       = "📚 %s"
	MsgSuggestionAccepted = "Added *%s* to your bag."
)

// =============================================================================
// Photo pipeline messages
// =============================================================================

const (
	MsgPipelineScanning    = "📷 Scanning photo for items..."
	MsgPipelineIdentifying = "🔍 Identifying detected items..."
	MsgPipelineValidating  = "✅ Validating identifications..."
	MsgPipelineComplete    = "Found %d items (%d identified, %d verified)%s"
	MsgPipelinePartialNote = " - validation incomplete for some items"
	MsgPipelineFailed      = "Photo identification failed: %s"
	MsgPhotoNthOfBatch     = "Photo %d/%d: "
)

// =============================================================================
// Batch commit messages
// =============================================================================

const (
	MsgCommitNothingSelected = "Nothing selected. Tap items to select them first."
	MsgCommitStarted         = "Adding %s to your bag..."
	MsgCommitAllOk           = "✅ Added %s to your bag."
	MsgCommitPartial         = "Added %d items, %d failed. The failed ones were not added."
	MsgCommitAllFailed       = "❌ Could not add any items: %s"
	MsgCommitRolledBack      = "⚠️ %q could not be added and was removed from the list."
	MsgPhotosApplied         = "Photos applied: %d ok, %d failed."
	MsgBagSummaryHeader      = "*Your bag (%s):*\n"
	MsgBagSummaryPending     = "⏳ %s"
	MsgBagSummaryItem        = "• %s"
	MsgBagSummaryWithPhoto   = "• %s 📷"
	MsgBagEmpty              = "Your bag is empty."
)
