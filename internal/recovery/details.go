package recovery

import "strings"

// ErrorType is the broad family of a failure.
type ErrorType string

const (
	NetworkError   ErrorType = "networkError"
	MediaError     ErrorType = "mediaError"
	KeySystemError ErrorType = "keySystemError"
	MuxError       ErrorType = "muxError"
	OtherError     ErrorType = "otherError"
)

// ErrorDetail names the specific failure.
type ErrorDetail string

const (
	KeySystemNoKeys               ErrorDetail = "keySystemNoKeys"
	KeySystemNoAccess             ErrorDetail = "keySystemNoAccess"
	KeySystemNoSession            ErrorDetail = "keySystemNoSession"
	KeySystemNoConfiguredLicense  ErrorDetail = "keySystemNoConfiguredLicense"
	KeySystemLicenseRequestFailed ErrorDetail = "keySystemLicenseRequestFailed"
	KeySystemSessionUpdateFailed  ErrorDetail = "keySystemSessionUpdateFailed"
	KeySystemStatusInternalError  ErrorDetail = "keySystemStatusInternalError"
	KeySystemOutputRestricted     ErrorDetail = "keySystemStatusOutputRestricted"

	ManifestLoadError          ErrorDetail = "manifestLoadError"
	ManifestLoadTimeout        ErrorDetail = "manifestLoadTimeOut"
	ManifestParsingError       ErrorDetail = "manifestParsingError"
	ManifestIncompatibleCodecs ErrorDetail = "manifestIncompatibleCodecsError"

	LevelEmptyError   ErrorDetail = "levelEmptyError"
	LevelLoadError    ErrorDetail = "levelLoadError"
	LevelLoadTimeout  ErrorDetail = "levelLoadTimeOut"
	LevelParsingError ErrorDetail = "levelParsingError"
	LevelSwitchError  ErrorDetail = "levelSwitchError"

	AudioTrackLoadError   ErrorDetail = "audioTrackLoadError"
	AudioTrackLoadTimeout ErrorDetail = "audioTrackLoadTimeOut"
	SubtitleLoadError     ErrorDetail = "subtitleTrackLoadError"
	SubtitleLoadTimeout   ErrorDetail = "subtitleTrackLoadTimeOut"

	FragLoadError    ErrorDetail = "fragLoadError"
	FragLoadTimeout  ErrorDetail = "fragLoadTimeOut"
	FragDecryptError ErrorDetail = "fragDecryptError"
	FragParsingError ErrorDetail = "fragParsingError"
	FragGap          ErrorDetail = "fragGap"

	RemuxAllocError ErrorDetail = "remuxAllocError"
	KeyLoadError    ErrorDetail = "keyLoadError"
	KeyLoadTimeout  ErrorDetail = "keyLoadTimeOut"

	BufferAddCodecError      ErrorDetail = "bufferAddCodecError"
	BufferIncompatibleCodecs ErrorDetail = "bufferIncompatibleCodecsError"
	BufferAppendError        ErrorDetail = "bufferAppendError"
	BufferAppendingError     ErrorDetail = "bufferAppendingError"
	BufferStalledError       ErrorDetail = "bufferStalledError"
	BufferFullError          ErrorDetail = "bufferFullError"
	BufferSeekOverHole       ErrorDetail = "bufferSeekOverHole"
	BufferNudgeOnStall       ErrorDetail = "bufferNudgeOnStall"

	InternalException ErrorDetail = "internalException"
	InternalAbort     ErrorDetail = "aborted"
	UnknownError      ErrorDetail = "unknown"
)

// IsTimeout reports whether d is a load timeout.
func (d ErrorDetail) IsTimeout() bool {
	switch d {
	case FragLoadTimeout, KeyLoadTimeout, LevelLoadTimeout, ManifestLoadTimeout,
		AudioTrackLoadTimeout, SubtitleLoadTimeout:
		return true
	}
	return false
}

// IsKey reports whether d is a decryption key load failure.
func (d ErrorDetail) IsKey() bool { return strings.HasPrefix(string(d), "key") && !d.isKeySystem() }

func (d ErrorDetail) isKeySystem() bool { return strings.HasPrefix(string(d), "keySystem") }

// ContextType identifies which playlist a load context refers to.
type ContextType string

const (
	ContextManifest      ContextType = "manifest"
	ContextLevel         ContextType = "level"
	ContextAudioTrack    ContextType = "audioTrack"
	ContextSubtitleTrack ContextType = "subtitleTrack"
)
