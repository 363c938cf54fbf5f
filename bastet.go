// Package bastet contains the global constants shared by the bastet daemon and libraries.
package bastet

import "time"

// Version is the current version of bastet.
//
// This variable is set at build time using the -X linker flag. If not set,
// it defaults to "devel".
var Version = "devel"

// CookieName is the name of the cookie that carries a solved challenge.
var CookieName = "bastet"

// PassCookieName is the name of the signed cookie minted after a challenge is solved.
var PassCookieName = "bastet-auth"

// HeaderName is the request header that may carry a solved challenge instead of the cookie.
const HeaderName = "X-Bastet"

// OriginalURIHeader names the request a front proxy asks the check endpoint about.
const OriginalURIHeader = "X-Original-URI"

// StaticPath is the location where all static bastet assets are located.
const StaticPath = "/.bastet/static/"

// APIPrefix is where bastet's own endpoints are mounted.
const APIPrefix = "/.bastet/api/"

// CookieDefaultExpirationTime is how long a pass cookie is valid for.
const CookieDefaultExpirationTime = 7 * 24 * time.Hour

// DefaultDifficulty is the default number of leading zero bits a solution must have.
const DefaultDifficulty = 18

// DefaultTTL is how long an issued challenge can be solved for.
const DefaultTTL = 2 * time.Minute
