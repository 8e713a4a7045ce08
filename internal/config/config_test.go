package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaultsBag(t *testing.T) {
	t.Setenv("OMNIMAN_DEFAULTS", `{
		"default_permission_classes": ["AllowAny"],
		"admin_permission_classes": ["IsAdminUser", "IsStaff"],
		"notifications": {"default_backend": "email"}
	}`)
	t.Setenv("OMNIMAN_DEFAULT_PERMISSION_CLASSES", "")
	t.Setenv("OMNIMAN_ADMIN_PERMISSION_CLASSES", "")
	t.Setenv("OMNIMAN_NOTIFICATIONS_DEFAULT_BACKEND", "")

	cfg := Load()
	assert.Equal(t, []string{"AllowAny"}, cfg.DefaultPermissionClasses)
	assert.Equal(t, []string{"IsAdminUser", "IsStaff"}, cfg.AdminPermissionClasses)
	assert.Equal(t, "email", cfg.NotificationsBackend)
}

func TestEnvVarsOverrideDefaultsBag(t *testing.T) {
	t.Setenv("OMNIMAN_DEFAULTS", `{"admin_permission_classes": ["IsAdminUser"], "notifications": {"default_backend": "email"}}`)
	t.Setenv("OMNIMAN_ADMIN_PERMISSION_CLASSES", "IsSuperuser")
	t.Setenv("OMNIMAN_NOTIFICATIONS_DEFAULT_BACKEND", "sms")

	cfg := Load()
	assert.Equal(t, []string{"IsSuperuser"}, cfg.AdminPermissionClasses)
	assert.Equal(t, "sms", cfg.NotificationsBackend)
}

func TestLoadFallsBackWithoutDefaultsBag(t *testing.T) {
	t.Setenv("OMNIMAN_DEFAULTS", "")
	t.Setenv("OMNIMAN_NOTIFICATIONS_DEFAULT_BACKEND", "")

	cfg := Load()
	assert.Equal(t, "noop", cfg.NotificationsBackend)
}

func TestSplitAndTrimCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitAndTrimCSV(" a , b ,"))
	assert.Nil(t, SplitAndTrimCSV(""))
}
