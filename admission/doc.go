// Package admission decides whether a login may proceed based on how many devices
// the user is already signed in on.
//
// Each live refresh token the identity provider holds for a user and application
// counts as one device. The provider calls the gateway's login webhook before it
// issues the new token, so the count never includes the login being decided and a
// login is denied once the count reaches the ceiling.
//
// Two logins that are evaluated at the same moment both see the same count and may
// both be admitted. Closing that window would need a reservation on the provider
// side, which the refresh token API does not offer.
package admission
