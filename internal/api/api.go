// Package api holds the value types shared between the update engine and its
// callers: download/install results and the stable exit codes of the CLI.
package api

import "fmt"

// ResultCode classifies the outcome of a single tree-tool operation
// (pull, deploy) or of the bootloader interlock.
type ResultCode int

const (
	Ok ResultCode = iota
	NeedCompletion
	InstallFailed
	VerificationFailed
	DownloadFailed
	DownloadFailedNoSpace
	UnknownError
)

func (c ResultCode) String() string {
	switch c {
	case Ok:
		return "Ok"
	case NeedCompletion:
		return "NeedCompletion"
	case InstallFailed:
		return "InstallFailed"
	case VerificationFailed:
		return "VerificationFailed"
	case DownloadFailed:
		return "DownloadFailed"
	case DownloadFailedNoSpace:
		return "DownloadFailed_NoSpace"
	default:
		return "UnknownError"
	}
}

// Result is a tagged outcome plus a human readable description.
type Result struct {
	Code        ResultCode
	Description string
}

func (r Result) Ok() bool { return r.Code == Ok }

func (r Result) String() string { return fmt.Sprintf("%s/%s", r.Code, r.Description) }

// DownloadStatus is the outcome of fetching a target's artifacts.
type DownloadStatus int

const (
	DownloadOk DownloadStatus = iota
	DownloadError
	DownloadVerificationError
	DownloadNoSpace
)

func (s DownloadStatus) String() string {
	switch s {
	case DownloadOk:
		return "Ok"
	case DownloadError:
		return "DownloadFailed"
	case DownloadVerificationError:
		return "VerificationFailed"
	case DownloadNoSpace:
		return "DownloadFailed_NoSpace"
	default:
		return "UnknownError"
	}
}

type DownloadResult struct {
	Status      DownloadStatus
	Description string
	// NoSpacePath is the filesystem path that ran out of room, set only
	// when Status is DownloadNoSpace.
	NoSpacePath string
}

func (r DownloadResult) Ok() bool { return r.Status == DownloadOk }

func (r DownloadResult) String() string { return fmt.Sprintf("%s/%s", r.Status, r.Description) }

// InstallStatus is the controller-level outcome of installing a target.
type InstallStatus int

const (
	InstallOk InstallStatus = iota
	// InstallOkBootFwNeedsCompletion: install finalized but a reboot is
	// still required to confirm a bootloader firmware update.
	InstallOkBootFwNeedsCompletion
	InstallNeedsCompletion
	InstallAppsNeedCompletion
	InstallBootFwNeedsCompletion
	InstallDownloadFailed
	InstallError
)

func (s InstallStatus) String() string {
	switch s {
	case InstallOk:
		return "Ok"
	case InstallOkBootFwNeedsCompletion:
		return "OkBootFwNeedsCompletion"
	case InstallNeedsCompletion:
		return "NeedsCompletion"
	case InstallAppsNeedCompletion:
		return "AppsNeedCompletion"
	case InstallBootFwNeedsCompletion:
		return "BootFwNeedsCompletion"
	case InstallDownloadFailed:
		return "DownloadFailed"
	default:
		return "Failed"
	}
}

type InstallResult struct {
	Status      InstallStatus
	Description string
}

func (r InstallResult) Ok() bool {
	switch r.Status {
	case InstallOk, InstallOkBootFwNeedsCompletion, InstallNeedsCompletion,
		InstallAppsNeedCompletion, InstallBootFwNeedsCompletion:
		return true
	}
	return false
}

func (r InstallResult) String() string { return fmt.Sprintf("%s/%s", r.Status, r.Description) }
