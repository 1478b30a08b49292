package boot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/treeline-dev/treeline/internal/api"
)

// fakeBootloader scripts every capability for interlock tests.
type fakeBootloader struct {
	supported          bool
	inProgress         bool
	rollbackProtection bool
	currentVer         string
	currentValid       bool
	targetVer          string
	targetErr          error

	updateNotifies  int
	installNotifies int
}

func (f *fakeBootloader) UpdateSupported() bool            { return f.supported }
func (f *fakeBootloader) UpdateInProgress() bool           { return f.inProgress }
func (f *fakeBootloader) RollbackProtectionEnabled() bool  { return f.rollbackProtection }
func (f *fakeBootloader) CurrentVersion() (string, bool)   { return f.currentVer, f.currentValid }
func (f *fakeBootloader) UpdateNotify()                    { f.updateNotifies++ }
func (f *fakeBootloader) InstallNotify(string)             { f.installNotifies++ }
func (f *fakeBootloader) TargetVersion(string) (string, error) {
	return f.targetVer, f.targetErr
}

func TestVerifyUpdate(t *testing.T) {
	const hash = "somecommithash"

	t.Run("blocks while a bootloader update is in progress", func(t *testing.T) {
		b := &fakeBootloader{inProgress: true}
		res := VerifyUpdate(b, true, hash)
		assert.Equal(t, api.NeedCompletion, res.Code)
	})

	t.Run("in-progress update is ignored without the blocker option", func(t *testing.T) {
		b := &fakeBootloader{inProgress: true}
		res := VerifyUpdate(b, false, hash)
		assert.Equal(t, api.Ok, res.Code)
	})

	t.Run("ok when rollback protection is off", func(t *testing.T) {
		b := &fakeBootloader{rollbackProtection: false, targetVer: "1", currentVer: "5", currentValid: true}
		res := VerifyUpdate(b, false, hash)
		assert.Equal(t, api.Ok, res.Code)
	})

	t.Run("malformed version file rejects the update", func(t *testing.T) {
		b := &fakeBootloader{rollbackProtection: true, targetErr: ErrMalformedVersionFile}
		res := VerifyUpdate(b, false, hash)
		assert.Equal(t, api.InstallFailed, res.Code)
	})

	t.Run("general lookup failure means no bootloader update", func(t *testing.T) {
		b := &fakeBootloader{rollbackProtection: true, targetErr: errors.New("no version file")}
		res := VerifyUpdate(b, false, hash)
		assert.Equal(t, api.Ok, res.Code)
	})

	t.Run("unparseable target version rejects the update", func(t *testing.T) {
		b := &fakeBootloader{rollbackProtection: true, targetVer: "v2.1"}
		res := VerifyUpdate(b, false, hash)
		assert.Equal(t, api.InstallFailed, res.Code)
	})

	t.Run("bootloader rollback is detected", func(t *testing.T) {
		b := &fakeBootloader{rollbackProtection: true, targetVer: "4", currentVer: "5", currentValid: true}
		res := VerifyUpdate(b, false, hash)
		assert.Equal(t, api.InstallFailed, res.Code)
		assert.Contains(t, res.Description, "bootloader rollback from version 5 to 4")
	})

	t.Run("upgrade and same version pass", func(t *testing.T) {
		for _, targetVer := range []string{"5", "6"} {
			b := &fakeBootloader{rollbackProtection: true, targetVer: targetVer, currentVer: "5", currentValid: true}
			res := VerifyUpdate(b, false, hash)
			assert.Equal(t, api.Ok, res.Code)
		}
	})

	t.Run("unreadable current version is treated as zero", func(t *testing.T) {
		b := &fakeBootloader{rollbackProtection: true, targetVer: "4", currentValid: false}
		res := VerifyUpdate(b, false, hash)
		assert.Equal(t, api.Ok, res.Code)
	})

	t.Run("unparseable current version is treated as zero", func(t *testing.T) {
		b := &fakeBootloader{rollbackProtection: true, targetVer: "4", currentVer: "five", currentValid: true}
		res := VerifyUpdate(b, false, hash)
		assert.Equal(t, api.Ok, res.Code)
	})
}
