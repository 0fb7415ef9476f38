// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package idcookie stores which study runs a browser is part of.

Every run gets one cookie named PUBLIX_IDS_<index>. Its value is a URL-encoded
record of the run's ids followed by an HMAC, so a participant cannot point a
cookie at somebody else's run:

	jar := idcookie.NewJar(cfg.CookieSecret, cfg.MaxIdCookies)
	cookies := jar.Read(r)
	c, err := idcookie.Find(cookies, studyResultID)

A browser holds at most Jar.Max cookies. NextIndex hands out free indices and,
once the limit is reached, names the oldest cookie for eviction. The caller
abandons the evicted run before reusing its index.

GeneralSingle workers additionally get PUBLIX_GENERALSINGLE, which lists the
studies the browser already ran and with which worker.
*/
package idcookie
