package auth

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/tickerchat/auth/internal/models"
)

// VerifiedRegistration is the verifier's report for a successful attestation
// check: the new credential exactly as it should be stored.
type VerifiedRegistration struct {
	CredentialID string
	PublicKey    []byte
	SignCount    uint32
	Transports   []string
}

// VerifiedAuthentication is the verifier's report for a successful assertion
// check. CloneWarning is set when the authenticator's counter failed to
// strictly increase, which suggests a cloned authenticator.
type VerifiedAuthentication struct {
	NewSignCount uint32
	CloneWarning bool
}

// Verifier is the ceremony verification capability. It owns the protocol
// wire formats and all cryptographic checks; the orchestrator only drives
// state around it.
type Verifier interface {
	// RegistrationOptions builds creation options for the client along with
	// the freshly minted challenge to persist.
	RegistrationOptions(user *models.User, exclude []models.Credential, ttl time.Duration) (*protocol.CredentialCreation, *models.Challenge, error)

	// LoginOptions builds assertion options. With a nil user (or no
	// credentials) the allow-list is empty and the challenge is unbound.
	LoginOptions(user *models.User, allow []models.Credential, ttl time.Duration) (*protocol.CredentialAssertion, *models.Challenge, error)

	VerifyRegistration(user *models.User, challenge *models.Challenge, response []byte) (*VerifiedRegistration, error)
	VerifyAuthentication(user *models.User, challenge *models.Challenge, credential *models.Credential, response []byte) (*VerifiedAuthentication, error)

	// AssertedCredentialID extracts the credential id a login response
	// claims to be signed with, for the owner-scoped lookup.
	AssertedCredentialID(response []byte) (string, error)
}

// WebAuthnVerifier implements Verifier on go-webauthn.
type WebAuthnVerifier struct {
	web *webauthn.WebAuthn
}

func NewWebAuthnVerifier(web *webauthn.WebAuthn) *WebAuthnVerifier {
	return &WebAuthnVerifier{web: web}
}

func (v *WebAuthnVerifier) RegistrationOptions(user *models.User, exclude []models.Credential, ttl time.Duration) (*protocol.CredentialCreation, *models.Challenge, error) {
	excludeList, err := credentialDescriptors(exclude)
	if err != nil {
		return nil, nil, err
	}

	options, session, err := v.web.BeginRegistration(
		ceremonyUser{user: user},
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		}),
		webauthn.WithExclusions(excludeList),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin registration: %w", err)
	}

	return options, newChallenge(session.Challenge, user.ID, ttl), nil
}

func (v *WebAuthnVerifier) LoginOptions(user *models.User, allow []models.Credential, ttl time.Duration) (*protocol.CredentialAssertion, *models.Challenge, error) {
	if user == nil || len(allow) == 0 {
		options, session, err := v.web.BeginDiscoverableLogin(
			webauthn.WithUserVerification(protocol.VerificationPreferred),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to begin login: %w", err)
		}
		return options, newChallenge(session.Challenge, "", ttl), nil
	}

	webCreds, err := webauthnCredentials(allow)
	if err != nil {
		return nil, nil, err
	}

	options, session, err := v.web.BeginLogin(
		ceremonyUser{user: user, credentials: webCreds},
		webauthn.WithUserVerification(protocol.VerificationPreferred),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin login: %w", err)
	}

	return options, newChallenge(session.Challenge, user.ID, ttl), nil
}

func (v *WebAuthnVerifier) VerifyRegistration(user *models.User, challenge *models.Challenge, response []byte) (*VerifiedRegistration, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}

	credential, err := v.web.CreateCredential(ceremonyUser{user: user}, sessionFor(user.ID, challenge), parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to verify registration: %w", err)
	}

	transports := make([]string, 0, len(credential.Transport))
	for _, t := range credential.Transport {
		transports = append(transports, string(t))
	}

	return &VerifiedRegistration{
		CredentialID: base64.RawURLEncoding.EncodeToString(credential.ID),
		PublicKey:    credential.PublicKey,
		SignCount:    credential.Authenticator.SignCount,
		Transports:   transports,
	}, nil
}

func (v *WebAuthnVerifier) VerifyAuthentication(user *models.User, challenge *models.Challenge, credential *models.Credential, response []byte) (*VerifiedAuthentication, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("failed to parse login response: %w", err)
	}

	webCreds, err := webauthnCredentials([]models.Credential{*credential})
	if err != nil {
		return nil, err
	}

	validated, err := v.web.ValidateLogin(ceremonyUser{user: user, credentials: webCreds}, sessionFor(user.ID, challenge), parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to verify login: %w", err)
	}

	return &VerifiedAuthentication{
		NewSignCount: validated.Authenticator.SignCount,
		CloneWarning: validated.Authenticator.CloneWarning,
	}, nil
}

func (v *WebAuthnVerifier) AssertedCredentialID(response []byte) (string, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return "", fmt.Errorf("failed to parse login response: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(parsed.RawID), nil
}

func newChallenge(value, userID string, ttl time.Duration) *models.Challenge {
	now := time.Now()
	return &models.Challenge{
		ID:        value,
		UserID:    userID,
		Value:     value,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

// sessionFor rebuilds the library session from the persisted challenge row,
// so verification state survives across the two stateless HTTP calls.
func sessionFor(userID string, challenge *models.Challenge) webauthn.SessionData {
	return webauthn.SessionData{
		Challenge: challenge.Value,
		UserID:    []byte(userID),
		Expires:   challenge.ExpiresAt,
	}
}

func credentialDescriptors(creds []models.Credential) ([]protocol.CredentialDescriptor, error) {
	descriptors := make([]protocol.CredentialDescriptor, 0, len(creds))
	for _, cred := range creds {
		id, err := base64.RawURLEncoding.DecodeString(cred.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("failed to decode credential id: %w", err)
		}
		transports := make([]protocol.AuthenticatorTransport, 0, len(cred.Transports))
		for _, t := range cred.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		descriptors = append(descriptors, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: id,
			Transport:    transports,
		})
	}
	return descriptors, nil
}

func webauthnCredentials(creds []models.Credential) ([]webauthn.Credential, error) {
	webCreds := make([]webauthn.Credential, 0, len(creds))
	for _, cred := range creds {
		id, err := base64.RawURLEncoding.DecodeString(cred.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("failed to decode credential id: %w", err)
		}
		transports := make([]protocol.AuthenticatorTransport, 0, len(cred.Transports))
		for _, t := range cred.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		webCreds = append(webCreds, webauthn.Credential{
			ID:        id,
			PublicKey: cred.PublicKey,
			Transport: transports,
			Authenticator: webauthn.Authenticator{
				SignCount: cred.SignCount,
			},
		})
	}
	return webCreds, nil
}

// ceremonyUser adapts a user row (and optionally its credentials) to the
// webauthn.User interface.
type ceremonyUser struct {
	user        *models.User
	credentials []webauthn.Credential
}

func (u ceremonyUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u ceremonyUser) WebAuthnName() string {
	return u.user.Username
}

func (u ceremonyUser) WebAuthnDisplayName() string {
	if u.user.DisplayName != "" {
		return u.user.DisplayName
	}
	return u.user.Username
}

func (u ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (u ceremonyUser) WebAuthnIcon() string {
	return ""
}
