package maildirsync

import "testing"

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		email string
		want  Recipient
	}{
		{"user+folder@example.com", Recipient{Address: "user@example.com", Extension: "folder"}},
		{"user@example.com", Recipient{Address: "user@example.com"}},
		{"user+@example.com", Recipient{Address: "user@example.com"}},
		{"user+a+b@example.com", Recipient{Address: "user@example.com", Extension: "a+b"}},
		// Only the local part carries an extension.
		{"user@sub+x.example.com", Recipient{Address: "user@sub+x.example.com"}},
		{"a@b+c@example.com", Recipient{Address: "a@b@example.com", Extension: "c"}},
		{"+ext@example.com", Recipient{Address: "@example.com", Extension: "ext"}},
		{"+", Recipient{}},
		{"User+Box@Example.COM", Recipient{Address: "User@Example.COM", Extension: "Box"}},
		{"localuser", Recipient{Address: "localuser"}},
		{"user+ext", Recipient{Address: "user", Extension: "ext"}},
		{"user@", Recipient{Address: "user@"}},
		{"", Recipient{}},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			if got := ParseRecipient(tt.email); got != tt.want {
				t.Errorf("ParseRecipient(%q) = %+v, want %+v", tt.email, got, tt.want)
			}
		})
	}
}

// Deliver strips the extension before picking the mailbox, so every
// extension of one user must land in the same place.
func TestParseRecipient_SameMailbox(t *testing.T) {
	base := ParseRecipient("alice@example.com").Address
	for _, email := range []string{"alice+work@example.com", "alice+@example.com", "alice+a+b@example.com"} {
		if got := ParseRecipient(email).Address; got != base {
			t.Errorf("ParseRecipient(%q).Address = %q, want %q", email, got, base)
		}
	}
}
