package oauth

import "testing"

func TestNormalize(t *testing.T) {
	yes, no := true, false

	t.Run("explicit email_verified wins", func(t *testing.T) {
		c := normalize("google", "s1", "a@example.com", "", "A", &no)
		if c.EmailVerified {
			t.Error("expected unverified")
		}
		c = normalize("google", "s1", "a@example.com", "", "A", &yes)
		if !c.EmailVerified {
			t.Error("expected verified")
		}
	})

	t.Run("google without the claim is unverified", func(t *testing.T) {
		c := normalize("google", "s1", "a@example.com", "", "", nil)
		if c.EmailVerified {
			t.Error("expected unverified")
		}
	})

	t.Run("microsoft falls back to preferred_username", func(t *testing.T) {
		c := normalize("microsoft", "s2", "", "b@agency.example", "B", nil)
		if c.Email != "b@agency.example" {
			t.Errorf("Email = %q", c.Email)
		}
		if !c.EmailVerified {
			t.Error("expected verified")
		}
	})

	t.Run("microsoft without any address is unverified", func(t *testing.T) {
		c := normalize("microsoft", "s2", "", "", "", nil)
		if c.EmailVerified {
			t.Error("expected unverified")
		}
	})
}

func TestRegistry(t *testing.T) {
	r := Registry{}
	r.Register(&OIDCProvider{name: "google"})
	if _, ok := r["google"]; !ok {
		t.Fatal("google not registered")
	}
	if _, ok := r["github"]; ok {
		t.Fatal("unexpected provider")
	}
}
