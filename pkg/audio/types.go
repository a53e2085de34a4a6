package audio

// Standard sample rates for the two ends of the bridge.
const (
	// TelephonyRate is the narrowband rate used by telephony media streams.
	TelephonyRate = 8000
	// ModelRate is the wideband rate the speech model consumes and produces.
	ModelRate = 24000
)
